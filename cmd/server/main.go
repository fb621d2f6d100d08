package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oh8fks/aprsmap/internal/api"
	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/internal/storage/sqlite"
	"github.com/oh8fks/aprsmap/internal/viewer"
	"github.com/oh8fks/aprsmap/internal/websocket"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting aprsmap server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	store, err := sqlite.New(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open storage", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingest := aprs.NewIngestService(cfg.Ingest, cfg.Feed, store, store, store, log)
	viewers := viewer.NewManager(cfg.Viewer, store, store, cfg.Feed.SourceID, log)
	ingest.SetPublisher(viewers)

	wsServer := websocket.NewServer(func(send func([]byte) bool, closeConn func()) websocket.Session {
		return viewers.NewSession(send, closeConn)
	}, cfg.Viewer.SendQueueSize, log)
	go wsServer.Run()
	go func() {
		if err := viewers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Viewer manager stopped", logger.Error(err))
		}
	}()

	// The ingest pipeline restarts from scratch on connectivity loss:
	// resuming mid-stream without replaying the feed handshake risks
	// silent gaps.
	go func() {
		for {
			err := ingest.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Error("Ingest pipeline stopped, restarting",
				logger.Error(err),
				logger.Int("retry_in_sec", cfg.Feed.ReconnectIntervalSec))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(cfg.Feed.ReconnectIntervalSec) * time.Second):
			}
		}
	}()

	router := api.NewRouter(ingest, viewers, wsServer, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", logger.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Server fully stopped")
}

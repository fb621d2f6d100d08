package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/internal/viewer"
	"github.com/oh8fks/aprsmap/internal/websocket"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

// Router builds the HTTP surface: the viewer WebSocket endpoint, a status
// endpoint and the optional static map UI.
type Router struct {
	ingest   *aprs.IngestService
	viewers  *viewer.Manager
	wsServer *websocket.Server
	cfg      *config.Config
	logger   *logger.Logger
	started  time.Time
}

// NewRouter creates the API router.
func NewRouter(ingest *aprs.IngestService, viewers *viewer.Manager, wsServer *websocket.Server, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		ingest:   ingest,
		viewers:  viewers,
		wsServer: wsServer,
		cfg:      cfg,
		logger:   log.Named("api"),
		started:  time.Now(),
	}
}

// Routes assembles the chi router.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", rt.wsServer.HandleConnection)
	r.Get("/status", rt.handleStatus)

	if dir := rt.cfg.Server.StaticFilesDir; dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	}
	return r
}

type statusResponse struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Viewers       int              `json:"viewers"`
	Ingest        aprs.IngestStats `json:"ingest"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(rt.started).Seconds()),
		Viewers:       rt.viewers.SessionCount(),
		Ingest:        rt.ingest.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		rt.logger.Error("Failed to write status response", logger.Error(err))
	}
}

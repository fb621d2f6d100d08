package aprs

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

// LineHandler receives one raw feed line with its receive timestamp.
type LineHandler func(line string, receiveTs int64)

// FeedClient maintains a line-oriented TCP connection to an upstream feed
// server. It logs in, forwards data lines to the handler, and reconnects
// with a fixed interval on any error. Server comment lines (leading '#')
// act as keepalives: they reset the read deadline but are never forwarded.
type FeedClient struct {
	cfg     config.FeedConfig
	handler LineHandler
	logger  *logger.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewFeedClient creates a feed client delivering lines to the handler.
func NewFeedClient(cfg config.FeedConfig, handler LineHandler, log *logger.Logger) *FeedClient {
	var d net.Dialer
	return &FeedClient{
		cfg:     cfg,
		handler: handler,
		logger:  log.Named("feed"),
		dial:    d.DialContext,
	}
}

// Run connects and reads until the context is cancelled, reconnecting on
// every connection loss. Returns only the context's error.
func (c *FeedClient) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	reconnect := time.Duration(c.cfg.ReconnectIntervalSec) * time.Second

	for {
		if err := c.runOnce(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Feed connection lost, reconnecting",
				logger.String("addr", addr),
				logger.Duration("retry_in", reconnect),
				logger.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnect):
		}
	}
}

// runOnce handles one connection lifetime: dial, login, read loop.
func (c *FeedClient) runOnce(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// Close the socket when the context dies so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	login := fmt.Sprintf("user %s pass %s vers aprsmap 1.0", c.cfg.Callsign, c.cfg.Passcode)
	if c.cfg.Filter != "" {
		login += " filter " + c.cfg.Filter
	}
	if _, err := fmt.Fprintf(conn, "%s\r\n", login); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	c.logger.Info("Feed connected", logger.String("addr", addr), logger.String("filter", c.cfg.Filter))

	readTimeout := time.Duration(c.cfg.ReadTimeoutSecs) * time.Second
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read feed: %w", err)
			}
			return fmt.Errorf("feed closed by server")
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if line[0] == '#' {
			c.logger.Debug("Feed keepalive", logger.String("comment", line))
			continue
		}
		c.handler(line, time.Now().Unix())
	}
}

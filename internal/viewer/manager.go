package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

// Manager tracks the live viewer sessions, drives their shared keep-alive
// ticker and fans freshly classified packets out to them.
type Manager struct {
	cfg      config.ViewerConfig
	packets  aprs.PacketStore
	stations aprs.StationStore
	sourceID int
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewManager creates a session manager over the given stores. sourceID is
// used to resolve filter-by-name requests.
func NewManager(cfg config.ViewerConfig, packets aprs.PacketStore, stations aprs.StationStore, sourceID int, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		packets:  packets,
		stations: stations,
		sourceID: sourceID,
		logger:   log.Named("viewer"),
		sessions: make(map[*Session]struct{}),
	}
}

// NewSession creates and registers a session for one connection.
func (m *Manager) NewSession(send func(data []byte) bool, closeConn func()) *Session {
	s := newSession(m, send, closeConn)
	m.mu.Lock()
	m.sessions[s] = struct{}{}
	count := len(m.sessions)
	m.mu.Unlock()
	m.logger.Debug("Viewer session opened", logger.Int("session_count", count))
	return s
}

func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	count := len(m.sessions)
	m.mu.Unlock()
	m.logger.Debug("Viewer session closed", logger.Int("session_count", count))
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run drives the shared keep-alive/inactivity ticker until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.KeepAliveIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, s := range m.snapshot() {
				s.tick(now)
			}
		}
	}
}

// Publish fans freshly classified packets out to every live session. Called
// from the ingest path; per-session filtering and watermark bookkeeping
// happen inside each session.
func (m *Manager) Publish(packets []*aprs.Packet) {
	if len(packets) == 0 {
		return
	}
	for _, s := range m.snapshot() {
		s.deliverLive(packets)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

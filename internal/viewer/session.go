package viewer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oh8fks/aprsmap/internal/geo"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateLoadingHistory
	stateLiveStreaming
)

// Session is the per-connection viewer state: the requested bounds, window
// and filters, plus the delivery watermarks. All fields are guarded by mu;
// history fetches run on their own goroutine and re-check the generation
// before applying results, so a superseded fetch never writes into state
// that belongs to a newer request.
type Session struct {
	manager   *Manager
	send      func(data []byte) bool
	closeConn func()
	logger    *logger.Logger

	mu     sync.Mutex
	state  sessionState
	closed bool

	bounds     *geo.Bounds
	cells      []int64
	cellSet    map[int64]struct{}
	windowSecs int64
	anchor     int64 // time-travel anchor, 0 = live now
	onlyLatest bool
	noRealTime bool
	filterIDs  map[int64]struct{}

	// Watermarks: last-sent timestamp per cell and per station. The
	// latest-only map is separate and never commits into the real ones, so
	// a later full-detail request can resend everything.
	cellWatermarks       map[int64]int64
	latestOnlyWatermarks map[int64]int64
	stationWatermarks    map[int64]int64

	generation   int64
	orderSeq     int64
	lastActivity time.Time
	timedOut     bool
}

func newSession(m *Manager, send func([]byte) bool, closeConn func()) *Session {
	s := &Session{
		manager:   m,
		send:      send,
		closeConn: closeConn,
		logger:    m.logger.Named("session"),

		filterIDs:            make(map[int64]struct{}),
		cellWatermarks:       make(map[int64]int64),
		latestOnlyWatermarks: make(map[int64]int64),
		stationWatermarks:    make(map[int64]int64),
		lastActivity:         time.Now(),
	}
	s.sendMessage(ResponseConnectionAccepted, map[string]int64{"server_time": time.Now().Unix()})
	return s
}

// HandleMessage decodes and dispatches one viewer request. Runs on the
// connection's read goroutine.
func (s *Session) HandleMessage(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("Ignoring malformed viewer request", logger.Error(err))
		return
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.timedOut = false
	s.mu.Unlock()

	switch req.Type {
	case RequestBounds, RequestRefresh:
		s.handleBounds(&req)
	case RequestSetFilterIDs:
		s.handleSetFilter(req.StationIDs)
	case RequestSetFilterNames:
		s.handleSetFilterNames(req.Names)
	case RequestRemoveFiltered:
		s.handleRemoveFiltered(req.StationID)
	case RequestStationRefresh:
		s.handleStationRefresh(req.StationID)
	default:
		s.logger.Debug("Unknown viewer request type", logger.Int("type", req.Type))
	}
}

// Close marks the session dead and detaches it from the manager. Safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++ // abandon in-flight fetches
	s.mu.Unlock()

	s.manager.detach(s)
}

// handleBounds applies a bounds/window query. Any change of bounds, window
// or mode resets every watermark wholesale; a pure refresh keeps them, which
// is what makes repeat queries gap-free without resending old packets.
func (s *Session) handleBounds(req *Request) {
	if req.NELat == nil || req.NELng == nil || req.SWLat == nil || req.SWLng == nil {
		s.logger.Warn("Bounds request without bounds")
		return
	}
	bounds := &geo.Bounds{
		North: *req.NELat,
		South: *req.SWLat,
		West:  *req.SWLng,
		East:  *req.NELng,
	}
	windowSecs := int64(req.Minutes) * 60
	if req.Minutes <= 0 {
		windowSecs = int64(s.manager.cfg.DefaultWindowMinutes) * 60
	}
	if max := int64(s.manager.cfg.MaxWindowMinutes) * 60; windowSecs > max {
		windowSecs = max
	}

	s.mu.Lock()
	changed := s.bounds == nil || *s.bounds != *bounds ||
		s.windowSecs != windowSecs || s.anchor != req.Time ||
		s.onlyLatest != req.OnlyLatestPacket || s.noRealTime != req.NoRealTime

	s.bounds = bounds
	s.windowSecs = windowSecs
	s.anchor = req.Time
	s.onlyLatest = req.OnlyLatestPacket
	s.noRealTime = req.NoRealTime
	s.cells = append(geo.CellsForBounds(*bounds), geo.WorldCell)
	s.cellSet = make(map[int64]struct{}, len(s.cells))
	for _, cell := range s.cells {
		s.cellSet[cell] = struct{}{}
	}

	if changed {
		s.resetWatermarksLocked()
	}
	s.state = stateLoadingHistory
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	go s.loadHistory(gen)
}

func (s *Session) resetWatermarksLocked() {
	s.cellWatermarks = make(map[int64]int64)
	s.latestOnlyWatermarks = make(map[int64]int64)
	s.stationWatermarks = make(map[int64]int64)
}

// handleSetFilter replaces the station filter set. Filtered stations are
// always delivered, with a synthesized placeholder when nothing is stored.
func (s *Session) handleSetFilter(ids []int64) {
	s.mu.Lock()
	s.filterIDs = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		s.filterIDs[id] = struct{}{}
	}
	s.resetWatermarksLocked()
	s.state = stateLoadingHistory
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.sendMessage(ResponseFilterList, ids)
	go s.loadStations(gen, ids, true)
}

// handleSetFilterNames resolves names to station ids and applies the filter.
func (s *Session) handleSetFilterNames(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		st, err := s.manager.stations.GetByName(ctx, name, s.manager.sourceID)
		if err != nil {
			// Unknown names are skipped; there is nothing to show for them.
			s.logger.Debug("Filter name not found", logger.String("name", name))
			continue
		}
		ids = append(ids, st.ID)
	}
	s.handleSetFilter(ids)
}

func (s *Session) handleRemoveFiltered(id int64) {
	s.mu.Lock()
	delete(s.filterIDs, id)
	s.mu.Unlock()
}

// handleStationRefresh re-delivers one station's history since its
// watermark.
func (s *Session) handleStationRefresh(id int64) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	go s.loadStations(gen, []int64{id}, true)
}

// tick runs the keep-alive and inactivity checks. Called by the manager on
// its shared ticker; both behaviors are per-session and idempotent.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idle := now.Sub(s.lastActivity) > time.Duration(s.manager.cfg.InactivityTimeoutSec)*time.Second
	fireTimeout := idle && !s.timedOut
	if fireTimeout {
		s.timedOut = true
		s.state = stateIdle
		s.generation++
	}
	s.mu.Unlock()

	if fireTimeout {
		s.sendMessage(ResponseInactiveTimeout, nil)
		return
	}
	if !idle {
		s.sendMessage(ResponseTimestampTick, map[string]int64{"server_time": now.Unix()})
	}
}

// sendMessage encodes and queues one message; a dead connection closes the
// session.
func (s *Session) sendMessage(msgType int, data interface{}) bool {
	b := encode(msgType, data)
	if b == nil {
		return false
	}
	if !s.send(b) {
		s.Close()
		return false
	}
	return true
}

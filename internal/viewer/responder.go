package viewer

import (
	"context"
	"errors"
	"time"

	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/internal/geo"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

const (
	fetchTimeout  = 30 * time.Second
	wireBatchSize = 200
)

// loadHistory walks the visible cells and delivers every station's history
// the viewer has not seen yet. Runs on its own goroutine; the generation
// guard abandons the fetch when a newer request supersedes it.
func (s *Session) loadHistory(gen int64) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	cells := append([]int64(nil), s.cells...)
	onlyLatest := s.onlyLatest
	noRealTime := s.noRealTime
	anchor := s.anchor
	windowSecs := s.windowSecs
	s.mu.Unlock()

	s.sendMessage(ResponseLoadingStarted, nil)

	end := anchor
	if end == 0 {
		end = time.Now().Unix()
	}
	windowStart := end - windowSecs

	for _, cell := range cells {
		s.mu.Lock()
		if s.closed || s.generation != gen {
			s.mu.Unlock()
			return
		}
		since := windowStart
		marks := s.cellWatermarks
		if onlyLatest {
			marks = s.latestOnlyWatermarks
		}
		if w := marks[cell]; w > since {
			since = w
		}
		filter := s.filterIDs
		s.mu.Unlock()

		stationIDs, err := s.manager.packets.FindStationIDsInCell(ctx, cell, since, end)
		if err != nil {
			s.storageError(err)
			return
		}
		if len(filter) > 0 {
			kept := stationIDs[:0]
			for _, id := range stationIDs {
				if _, ok := filter[id]; ok {
					kept = append(kept, id)
				}
			}
			stationIDs = kept
		}

		var sent int64
		if len(stationIDs) > 0 {
			if onlyLatest {
				packets, err := s.manager.packets.GetLatestConfirmed(ctx, stationIDs)
				if err != nil {
					s.storageError(err)
					return
				}
				// Latest-only delivery never commits the real watermarks.
				if !s.deliver(gen, packets, end, false) {
					return
				}
				for _, p := range packets {
					if p.Timestamp > sent {
						sent = p.Timestamp
					}
				}
			} else {
				var ok bool
				sent, ok = s.deliverStationHistory(ctx, gen, stationIDs, windowStart, end)
				if !ok {
					return
				}
			}
		}

		// The watermark advances only to the newest packet actually sent.
		// Anchoring it at the query time would skip a packet received before
		// the query but committed just after it (normal batch lag): its
		// timestamp lands below the watermark and the station is never
		// listed again.
		s.mu.Lock()
		if s.generation == gen && sent > 0 {
			marks := s.cellWatermarks
			if onlyLatest {
				marks = s.latestOnlyWatermarks
			}
			if sent > marks[cell] {
				marks[cell] = sent
			}
		}
		s.mu.Unlock()
	}

	s.sendMessage(ResponseRequestComplete, nil)

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	live := anchor == 0 && !noRealTime
	if live {
		s.state = stateLiveStreaming
	} else {
		s.state = stateIdle
	}
	s.mu.Unlock()

	if live {
		s.sendMessage(ResponseLiveStarting, nil)
	} else {
		s.sendMessage(ResponseIdleNoMoreData, nil)
	}
}

// deliverStationHistory fetches and sends history for the stations,
// trimming each station to its own watermark. Returns the newest timestamp
// actually sent so the caller can commit its cell watermark from delivered
// data, and false when the session died or the request was superseded.
func (s *Session) deliverStationHistory(ctx context.Context, gen int64, stationIDs []int64, windowStart, end int64) (int64, bool) {
	packets, err := s.manager.packets.GetHistory(ctx, stationIDs, windowStart, end)
	if err != nil {
		s.storageError(err)
		return 0, false
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return 0, false
	}
	var sent int64
	kept := packets[:0]
	for _, p := range packets {
		// >= at the boundary re-sends the watermark packet itself; clients
		// ignore duplicate ids, and it covers a live delivery that preceded
		// the row's commit.
		if p.Timestamp >= s.stationWatermarks[p.StationID] {
			kept = append(kept, p)
			if p.Timestamp > sent {
				sent = p.Timestamp
			}
		}
	}
	s.mu.Unlock()

	if !s.deliver(gen, kept, end, true) {
		return 0, false
	}
	return sent, true
}

// loadStations delivers history for an explicit station list (filter set,
// single-station refresh, live catch-up). With synthesize set, a station
// with no stored history gets a placeholder packet from its aggregate.
func (s *Session) loadStations(gen int64, stationIDs []int64, synthesize bool) {
	if len(stationIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	anchor := s.anchor
	windowSecs := s.windowSecs
	if windowSecs == 0 {
		windowSecs = int64(s.manager.cfg.DefaultWindowMinutes) * 60
	}
	s.mu.Unlock()

	end := anchor
	if end == 0 {
		end = time.Now().Unix()
	}
	windowStart := end - windowSecs

	packets, err := s.manager.packets.GetHistory(ctx, stationIDs, windowStart, end)
	if err != nil {
		s.storageError(err)
		return
	}

	covered := make(map[int64]bool, len(packets))
	for _, p := range packets {
		covered[p.StationID] = true
	}

	if synthesize {
		for _, id := range stationIDs {
			if covered[id] {
				continue
			}
			p := s.placeholderFor(ctx, id)
			if p != nil {
				packets = append(packets, p)
			}
		}
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	kept := packets[:0]
	for _, p := range packets {
		if p.ID == 0 || p.Timestamp >= s.stationWatermarks[p.StationID] {
			kept = append(kept, p)
		}
	}
	s.mu.Unlock()

	if s.deliver(gen, kept, end, true) {
		s.sendMessage(ResponseRequestComplete, nil)
	}
}

// placeholderFor synthesizes a stand-in packet for a station with no stored
// history, from the aggregate's denormalized confirmed fields. A station
// with nothing usable at all is rendered at (0, 0) as a last resort.
func (s *Session) placeholderFor(ctx context.Context, stationID int64) *aprs.Packet {
	st, err := s.manager.stations.GetByID(ctx, stationID)
	if err != nil {
		if errors.Is(err, aprs.ErrConnectivityLost) {
			s.storageError(err)
			return nil
		}
		s.logger.Debug("No aggregate for filtered station",
			logger.Int64("station_id", stationID), logger.Error(err))
		return nil
	}

	zero := 0.0
	p := &aprs.Packet{
		StationID:   st.ID,
		StationName: st.Name,
		SourceID:    st.SourceID,
		Timestamp:   st.LatestConfirmedPacketTimestamp,
		Lat:         &zero,
		Lon:         &zero,
		MapID:       aprs.ClassOnMapConfirmed,
		MarkerID:    st.LatestConfirmedMarkerID,
	}
	if st.HasConfirmedPosition() {
		p.Lat = st.LatestConfirmedLat
		p.Lon = st.LatestConfirmedLon
		p.Symbol = st.LatestConfirmedSymbol
		p.SymbolTable = st.LatestConfirmedSymbolTable
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	p.MapCell = geo.CellForPosition(*p.Lat, *p.Lon)
	return p
}

// deliver converts packets to wire format and sends them in batches,
// updating per-station watermarks when commit is set. Returns false when
// the session died or the request was superseded mid-delivery.
func (s *Session) deliver(gen int64, packets []*aprs.Packet, requestedTs int64, commit bool) bool {
	for start := 0; start < len(packets); start += wireBatchSize {
		chunk := packets[start:min(start+wireBatchSize, len(packets))]

		s.mu.Lock()
		if s.closed || s.generation != gen {
			s.mu.Unlock()
			return false
		}
		batch := make([]*PacketWire, 0, len(chunk))
		for _, p := range chunk {
			s.orderSeq++
			w := toWire(p, true)
			w.PacketOrderID = s.orderSeq
			w.RequestedTimestamp = requestedTs
			w.Simulated = p.ID == 0
			if _, own := s.cellSet[p.MapCell]; !own && s.cellSet != nil {
				w.Related = true
			}
			if commit && p.Timestamp == s.stationWatermarks[p.StationID] {
				w.Overwrite = true
			}
			if commit && p.ID != 0 && p.Timestamp > s.stationWatermarks[p.StationID] {
				s.stationWatermarks[p.StationID] = p.Timestamp
			}
			batch = append(batch, w)
		}
		s.mu.Unlock()

		if !s.sendMessage(ResponsePacketBatch, batch) {
			return false
		}
	}
	return true
}

// deliverLive pushes freshly classified packets to a live-streaming viewer.
// A station the viewer has no history for triggers an async catch-up fetch
// so the live point never shows up as an orphaned dot.
func (s *Session) deliverLive(packets []*aprs.Packet) {
	s.mu.Lock()
	if s.closed || s.state != stateLiveStreaming || s.noRealTime {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	cellSet := s.cellSet
	bounds := s.bounds
	filter := s.filterIDs
	s.mu.Unlock()

	var out []*aprs.Packet
	var catchUp []int64

	for _, p := range packets {
		if !p.MapID.IsMapVisible() {
			continue
		}
		if len(filter) > 0 {
			if _, ok := filter[p.StationID]; !ok {
				continue
			}
		}
		if !liveVisible(p, bounds, cellSet) {
			continue
		}

		s.mu.Lock()
		if s.closed || s.generation != gen {
			s.mu.Unlock()
			return
		}
		_, seen := s.stationWatermarks[p.StationID]
		if !seen {
			// Mark as seen so the catch-up fires once; the fetch itself
			// uses >= and re-covers this timestamp from storage.
			s.stationWatermarks[p.StationID] = p.Timestamp
			catchUp = append(catchUp, p.StationID)
		} else if p.Timestamp > s.stationWatermarks[p.StationID] {
			s.stationWatermarks[p.StationID] = p.Timestamp
		}
		s.orderSeq++
		s.mu.Unlock()

		out = append(out, p)
	}

	if len(out) > 0 {
		batch := make([]*PacketWire, 0, len(out))
		for _, p := range out {
			batch = append(batch, toWire(p, false))
		}
		s.sendMessage(ResponsePacketBatch, batch)
	}
	if len(catchUp) > 0 {
		go s.loadStations(gen, catchUp, false)
	}
}

// liveVisible reports whether a live packet falls inside the viewer's
// window: its own position, its cell, or any related segment cell.
func liveVisible(p *aprs.Packet, bounds *geo.Bounds, cellSet map[int64]struct{}) bool {
	if bounds != nil && p.HasPosition() && bounds.Contains(*p.Lat, *p.Lon) {
		return true
	}
	if cellSet == nil {
		return false
	}
	if _, ok := cellSet[p.MapCell]; ok {
		return true
	}
	for _, cell := range p.RelatedCells {
		if _, ok := cellSet[cell]; ok {
			return true
		}
		if cell == geo.WorldCell {
			return true
		}
	}
	return false
}

// storageError handles a failed storage read. Connectivity loss drops the
// session: serving a stale partial view silently is worse than forcing the
// client to reconnect and rebuild.
func (s *Session) storageError(err error) {
	if errors.Is(err, aprs.ErrConnectivityLost) {
		s.logger.Error("Storage connectivity lost, dropping viewer session", logger.Error(err))
		s.sendMessage(ResponseResetClientState, nil)
		s.closeConn()
		s.Close()
		return
	}
	s.logger.Warn("History fetch failed", logger.Error(err))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

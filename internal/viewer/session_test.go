package viewer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/internal/geo"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

const baseTs = 1700000000

// sink captures everything a session sends.
type sink struct {
	mu   sync.Mutex
	msgs [][]byte
	dead bool
}

func (k *sink) send(data []byte) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dead {
		return false
	}
	k.msgs = append(k.msgs, data)
	return true
}

type envelope struct {
	Type int             `json:"payload_response_type"`
	Data json.RawMessage `json:"data"`
}

func (k *sink) envelopes(t *testing.T) []envelope {
	t.Helper()
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]envelope, 0, len(k.msgs))
	for _, raw := range k.msgs {
		var e envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("undecodable message %q: %v", raw, err)
		}
		out = append(out, e)
	}
	return out
}

func (k *sink) batches(t *testing.T) [][]*PacketWire {
	t.Helper()
	var out [][]*PacketWire
	for _, e := range k.envelopes(t) {
		if e.Type != ResponsePacketBatch {
			continue
		}
		var batch []*PacketWire
		if err := json.Unmarshal(e.Data, &batch); err != nil {
			t.Fatalf("undecodable batch: %v", err)
		}
		out = append(out, batch)
	}
	return out
}

func (k *sink) lastType(t *testing.T) int {
	es := k.envelopes(t)
	if len(es) == 0 {
		t.Fatal("no messages sent")
	}
	return es[len(es)-1].Type
}

// viewerPacketStore serves canned history.
type viewerPacketStore struct {
	mu         sync.Mutex
	history    []*aprs.Packet
	historyErr error
}

func (f *viewerPacketStore) add(p *aprs.Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, p)
}

func (f *viewerPacketStore) FindLatest(context.Context, int64) (*aprs.Packet, error) {
	return nil, nil
}

func (f *viewerPacketStore) FindPrevious(context.Context, int64, aprs.PrevQuery) (*aprs.Packet, error) {
	return nil, nil
}

func (f *viewerPacketStore) CountMovesSince(context.Context, int64, string, string, float64, float64, int64) (int, error) {
	return 0, nil
}

func (f *viewerPacketStore) Commit(context.Context, *aprs.CommitBatch) ([]int64, error) {
	return nil, nil
}

func (f *viewerPacketStore) FindStationIDsInCell(_ context.Context, cell int64, start, end int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, p := range f.history {
		if p.MapCell != cell || p.Timestamp < start || p.Timestamp > end {
			continue
		}
		if _, ok := seen[p.StationID]; !ok {
			seen[p.StationID] = struct{}{}
			out = append(out, p.StationID)
		}
	}
	return out, nil
}

func (f *viewerPacketStore) GetHistory(_ context.Context, stationIDs []int64, start, end int64) ([]*aprs.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	want := make(map[int64]struct{}, len(stationIDs))
	for _, id := range stationIDs {
		want[id] = struct{}{}
	}
	var out []*aprs.Packet
	for _, p := range f.history {
		if _, ok := want[p.StationID]; ok && p.Timestamp >= start && p.Timestamp <= end {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *viewerPacketStore) GetLatest(context.Context, []int64) ([]*aprs.Packet, error) {
	return nil, nil
}

func (f *viewerPacketStore) GetLatestConfirmed(context.Context, []int64) ([]*aprs.Packet, error) {
	return nil, nil
}

type viewerStationStore struct {
	byID map[int64]*aprs.Station
}

func (f *viewerStationStore) GetByID(_ context.Context, id int64) (*aprs.Station, error) {
	if st, ok := f.byID[id]; ok {
		return st, nil
	}
	return nil, aprs.ErrStationNotFound
}

func (f *viewerStationStore) GetByName(context.Context, string, int) (*aprs.Station, error) {
	return nil, aprs.ErrStationNotFound
}

func (f *viewerStationStore) GetOrCreate(context.Context, string, int) (*aprs.Station, error) {
	return nil, aprs.ErrStationNotFound
}

func (f *viewerStationStore) UpdateLatestPointers(context.Context, []*aprs.Packet) error {
	return nil
}

func testConfig() config.ViewerConfig {
	return config.ViewerConfig{
		DefaultWindowMinutes: 60,
		MaxWindowMinutes:     1440,
		InactivityTimeoutSec: 300,
		KeepAliveIntervalSec: 30,
		SendQueueSize:        64,
	}
}

func newTestSession(t *testing.T, store *viewerPacketStore) (*Session, *sink, *Manager) {
	t.Helper()
	m := NewManager(testConfig(), store, &viewerStationStore{byID: map[int64]*aprs.Station{}}, 1, logger.NewNop())
	k := &sink{}
	s := m.NewSession(k.send, func() { k.mu.Lock(); k.dead = true; k.mu.Unlock() })
	if k.lastType(t) != ResponseConnectionAccepted {
		t.Fatalf("handshake message type = %d", k.lastType(t))
	}
	k.mu.Lock()
	k.msgs = nil
	k.mu.Unlock()
	return s, k, m
}

func storedPacket(id, stationID, ts int64, lat, lon float64) *aprs.Packet {
	return &aprs.Packet{
		ID:          id,
		StationID:   stationID,
		StationName: "N0CALL-9",
		Timestamp:   ts,
		Lat:         &lat,
		Lon:         &lon,
		MapID:       aprs.ClassOnMapConfirmed,
		MapCell:     geo.CellForPosition(lat, lon),
		MarkerID:    5,
	}
}

func setCells(s *Session, lat, lon float64) {
	cell := geo.CellForPosition(lat, lon)
	s.mu.Lock()
	s.cells = []int64{cell, geo.WorldCell}
	s.cellSet = map[int64]struct{}{cell: {}, geo.WorldCell: {}}
	s.mu.Unlock()
}

func TestRepeatHistoryDeliveryHasNoGapsAndNoRepeats(t *testing.T) {
	store := &viewerPacketStore{}
	store.add(storedPacket(1, 7, baseTs-300, 60.0, 24.0))
	store.add(storedPacket(2, 7, baseTs-200, 60.01, 24.0))
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)

	if _, ok := s.deliverStationHistory(context.Background(), s.generation, []int64{7}, baseTs-3600, baseTs); !ok {
		t.Fatal("delivery aborted")
	}
	first := k.batches(t)
	if len(first) != 1 || len(first[0]) != 2 {
		t.Fatalf("first delivery = %v", first)
	}

	// A repeat query resends only the watermark boundary, flagged for
	// overwrite, plus anything new.
	store.add(storedPacket(3, 7, baseTs-100, 60.02, 24.0))
	k.mu.Lock()
	k.msgs = nil
	k.mu.Unlock()

	if _, ok := s.deliverStationHistory(context.Background(), s.generation, []int64{7}, baseTs-3600, baseTs); !ok {
		t.Fatal("repeat delivery aborted")
	}
	second := k.batches(t)
	if len(second) != 1 {
		t.Fatalf("repeat delivery batches = %d", len(second))
	}
	batch := second[0]
	if len(batch) != 2 {
		t.Fatalf("repeat delivery sent %d packets, want boundary + new", len(batch))
	}
	if batch[0].ID != 2 || !batch[0].Overwrite {
		t.Fatalf("boundary packet: id=%d overwrite=%v", batch[0].ID, batch[0].Overwrite)
	}
	if batch[1].ID != 3 || batch[1].Overwrite {
		t.Fatalf("new packet: id=%d overwrite=%v", batch[1].ID, batch[1].Overwrite)
	}
	for _, w := range batch {
		if !w.DB || w.Realtime {
			t.Fatalf("history packet flags: db=%v realtime=%v", w.DB, w.Realtime)
		}
	}
}

func TestHistoryRefreshDeliversLateCommittedPacket(t *testing.T) {
	// A packet received before a history query can commit just after it
	// (batch lag), landing with a timestamp below the query time. The cell
	// watermark must track what was sent, not the query time, or the next
	// refresh skips the station and the packet is lost for good.
	now := time.Now().Unix()
	store := &viewerPacketStore{}
	store.add(storedPacket(1, 7, now-300, 60.0, 24.0))
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)
	s.mu.Lock()
	s.windowSecs = 3600
	s.noRealTime = true
	s.mu.Unlock()

	s.loadHistory(s.generation)
	first := k.batches(t)
	if len(first) != 1 || len(first[0]) != 1 || first[0][0].ID != 1 {
		t.Fatalf("first delivery = %v", first)
	}

	store.add(storedPacket(2, 7, now-100, 60.01, 24.0))
	k.mu.Lock()
	k.msgs = nil
	k.mu.Unlock()

	s.loadHistory(s.generation)
	var ids []int64
	for _, batch := range k.batches(t) {
		for _, w := range batch {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("refresh delivered ids %v, late-committed packet lost", ids)
	}
}

func TestDeliverAbandonedWhenSuperseded(t *testing.T) {
	store := &viewerPacketStore{}
	store.add(storedPacket(1, 7, baseTs-300, 60.0, 24.0))
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)

	s.mu.Lock()
	stale := s.generation
	s.generation++
	s.mu.Unlock()

	if _, ok := s.deliverStationHistory(context.Background(), stale, []int64{7}, baseTs-3600, baseTs); ok {
		t.Fatal("superseded delivery must report failure")
	}
	if len(k.batches(t)) != 0 {
		t.Fatal("superseded delivery must send nothing")
	}
}

func TestDeliverMarksOutOfViewPacketsRelated(t *testing.T) {
	store := &viewerPacketStore{}
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)

	inside := storedPacket(1, 7, baseTs-10, 60.0, 24.0)
	outside := storedPacket(2, 7, baseTs-5, 10.0, 10.0)
	if !s.deliver(s.generation, []*aprs.Packet{inside, outside}, baseTs, true) {
		t.Fatal("delivery aborted")
	}
	batch := k.batches(t)[0]
	if batch[0].Related {
		t.Fatal("in-view packet flagged related")
	}
	if !batch[1].Related {
		t.Fatal("out-of-view packet must be flagged related")
	}
	if batch[0].PacketOrderID >= batch[1].PacketOrderID {
		t.Fatal("order ids must increase in delivery order")
	}
}

func TestDeliverLiveStreamsToLiveSessionsOnly(t *testing.T) {
	store := &viewerPacketStore{}
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)

	live := storedPacket(0, 7, baseTs, 60.0, 24.0)
	s.deliverLive([]*aprs.Packet{live})
	if len(k.batches(t)) != 0 {
		t.Fatal("idle session must not receive live packets")
	}

	s.mu.Lock()
	s.state = stateLiveStreaming
	s.bounds = &geo.Bounds{North: 61, South: 59, West: 23, East: 25}
	// Mark the station seen so no async catch-up fires.
	s.stationWatermarks[7] = baseTs - 60
	s.mu.Unlock()

	s.deliverLive([]*aprs.Packet{live})
	batches := k.batches(t)
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("live delivery = %v", batches)
	}
	w := batches[0][0]
	if w.DB || !w.Realtime {
		t.Fatalf("live flags: db=%v realtime=%v", w.DB, w.Realtime)
	}

	s.mu.Lock()
	wm := s.stationWatermarks[7]
	s.mu.Unlock()
	if wm != baseTs {
		t.Fatalf("live watermark = %d, want %d", wm, baseTs)
	}
}

func TestDeliverLiveSkipsHiddenAndFilteredPackets(t *testing.T) {
	store := &viewerPacketStore{}
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)
	s.mu.Lock()
	s.state = stateLiveStreaming
	s.filterIDs = map[int64]struct{}{99: {}}
	s.stationWatermarks[7] = baseTs - 60
	s.mu.Unlock()

	hidden := storedPacket(0, 99, baseTs, 60.0, 24.0)
	hidden.MapID = aprs.ClassTooFrequent
	filteredOut := storedPacket(0, 7, baseTs, 60.0, 24.0)
	s.deliverLive([]*aprs.Packet{hidden, filteredOut})
	if len(k.batches(t)) != 0 {
		t.Fatal("hidden and filtered-out packets must not be delivered")
	}
}

func TestLiveVisible(t *testing.T) {
	bounds := &geo.Bounds{North: 61, South: 59, West: 23, East: 25}
	cell := geo.CellForPosition(60.0, 24.0)
	cellSet := map[int64]struct{}{cell: {}}

	inView := storedPacket(0, 7, baseTs, 60.0, 24.0)
	if !liveVisible(inView, bounds, cellSet) {
		t.Fatal("packet inside bounds must be visible")
	}

	elsewhere := storedPacket(0, 7, baseTs, 10.0, 10.0)
	if liveVisible(elsewhere, bounds, cellSet) {
		t.Fatal("packet outside bounds and cells must be invisible")
	}

	related := storedPacket(0, 7, baseTs, 10.0, 10.0)
	related.RelatedCells = []int64{cell}
	if !liveVisible(related, bounds, cellSet) {
		t.Fatal("packet with a related cell in view must be visible")
	}

	worldwide := storedPacket(0, 7, baseTs, 10.0, 10.0)
	worldwide.RelatedCells = []int64{geo.WorldCell}
	if !liveVisible(worldwide, bounds, cellSet) {
		t.Fatal("world-cell packet must always be visible")
	}
}

func TestConnectivityLossDropsSession(t *testing.T) {
	store := &viewerPacketStore{}
	store.historyErr = aprs.ErrConnectivityLost
	s, k, m := newTestSession(t, store)
	setCells(s, 60.0, 24.0)

	if _, ok := s.deliverStationHistory(context.Background(), s.generation, []int64{7}, baseTs-3600, baseTs); ok {
		t.Fatal("delivery over a dead store must fail")
	}
	es := k.envelopes(t)
	if len(es) == 0 || es[0].Type != ResponseResetClientState {
		t.Fatalf("messages = %v, want reset-state first", es)
	}
	if m.SessionCount() != 0 {
		t.Fatal("session must detach on connectivity loss")
	}
}

func TestTickInactivityAndKeepAlive(t *testing.T) {
	store := &viewerPacketStore{}
	s, k, _ := newTestSession(t, store)

	now := time.Now()
	s.tick(now)
	if k.lastType(t) != ResponseTimestampTick {
		t.Fatalf("active session tick type = %d", k.lastType(t))
	}

	k.mu.Lock()
	k.msgs = nil
	k.mu.Unlock()
	s.mu.Lock()
	s.lastActivity = now.Add(-time.Duration(testConfig().InactivityTimeoutSec+1) * time.Second)
	s.mu.Unlock()

	s.tick(now)
	if k.lastType(t) != ResponseInactiveTimeout {
		t.Fatalf("idle tick type = %d", k.lastType(t))
	}
	s.mu.Lock()
	if s.state != stateIdle {
		t.Fatal("idle timeout must park the session")
	}
	s.mu.Unlock()

	// The timeout fires once; further idle ticks are silent.
	k.mu.Lock()
	k.msgs = nil
	k.mu.Unlock()
	s.tick(now)
	if len(k.envelopes(t)) != 0 {
		t.Fatal("repeat idle tick must send nothing")
	}
}

func TestFilterRemovalNarrowsLiveDelivery(t *testing.T) {
	store := &viewerPacketStore{}
	s, k, _ := newTestSession(t, store)
	setCells(s, 60.0, 24.0)
	s.mu.Lock()
	s.state = stateLiveStreaming
	s.filterIDs = map[int64]struct{}{7: {}}
	s.stationWatermarks[7] = baseTs - 60
	s.mu.Unlock()

	s.HandleMessage([]byte(`{"payload_request_type":6,"station_id":7}`))

	// The filter map is now empty, which means no filter at all: the packet
	// flows on cell visibility alone.
	s.deliverLive([]*aprs.Packet{storedPacket(0, 7, baseTs, 60.0, 24.0)})
	if len(k.batches(t)) != 1 {
		t.Fatal("empty filter must fall back to cell visibility")
	}
}

package aprs

import (
	"context"
	"sync"
)

// fakePacketStore is a deterministic in-memory PacketStore for tests. The
// candidate pool is searched newest-first the way the real store walks its
// partitions.
type fakePacketStore struct {
	mu        sync.Mutex
	latest    map[int64]*Packet
	pool      []*Packet
	moveCount int
	commits   []*CommitBatch
	commitErr error
	nextID    int64
}

func newFakePacketStore() *fakePacketStore {
	return &fakePacketStore{
		latest: make(map[int64]*Packet),
		nextID: 1000,
	}
}

// addHistory registers a committed packet as both pool candidate and the
// station's latest.
func (f *fakePacketStore) addHistory(p *Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pool = append(f.pool, p)
	if cur, ok := f.latest[p.StationID]; !ok || p.Timestamp >= cur.Timestamp {
		f.latest[p.StationID] = p
	}
}

func (f *fakePacketStore) FindLatest(_ context.Context, stationID int64) (*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[stationID], nil
}

func (f *fakePacketStore) FindPrevious(_ context.Context, stationID int64, q PrevQuery) (*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *Packet
	for _, p := range f.pool {
		if p.StationID != stationID || p.Timestamp < q.Since {
			continue
		}
		if len(q.Classes) > 0 && !containsClass(q.Classes, p.MapID) {
			continue
		}
		if q.Moving != nil && p.IsMoving != *q.Moving {
			continue
		}
		if q.Lat != nil && q.Lon != nil {
			if !p.HasPosition() || round5(*p.Lat) != round5(*q.Lat) || round5(*p.Lon) != round5(*q.Lon) {
				continue
			}
		}
		if q.Symbol != "" && (p.Symbol != q.Symbol || p.SymbolTable != q.SymbolTable) {
			continue
		}
		if best == nil || p.Timestamp > best.Timestamp {
			best = p
		}
	}
	return best, nil
}

func containsClass(classes []VisibilityClass, c VisibilityClass) bool {
	for _, cl := range classes {
		if cl == c {
			return true
		}
	}
	return false
}

func (f *fakePacketStore) CountMovesSince(_ context.Context, stationID int64, symbol, symbolTable string, lat, lon float64, since int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveCount, nil
}

func (f *fakePacketStore) Commit(_ context.Context, batch *CommitBatch) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.commits = append(f.commits, batch)
	ids := make([]int64, len(batch.Packets))
	for i := range batch.Packets {
		f.nextID++
		ids[i] = f.nextID
	}
	return ids, nil
}

func (f *fakePacketStore) FindStationIDsInCell(_ context.Context, cell int64, start, end int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, p := range f.pool {
		if p.Timestamp < start || p.Timestamp > end || !p.MapID.IsMapVisible() {
			continue
		}
		match := p.MapCell == cell
		for _, rc := range p.RelatedCells {
			if rc == cell {
				match = true
			}
		}
		if !match {
			continue
		}
		if _, ok := seen[p.StationID]; !ok {
			seen[p.StationID] = struct{}{}
			out = append(out, p.StationID)
		}
	}
	return out, nil
}

func (f *fakePacketStore) GetHistory(_ context.Context, stationIDs []int64, start, end int64) ([]*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[int64]struct{}, len(stationIDs))
	for _, id := range stationIDs {
		want[id] = struct{}{}
	}
	var out []*Packet
	for _, p := range f.pool {
		if _, ok := want[p.StationID]; !ok {
			continue
		}
		if p.Timestamp < start || p.Timestamp > end {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePacketStore) GetLatest(_ context.Context, stationIDs []int64) ([]*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Packet
	for _, id := range stationIDs {
		if p, ok := f.latest[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePacketStore) GetLatestConfirmed(ctx context.Context, stationIDs []int64) ([]*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Packet
	for _, id := range stationIDs {
		var best *Packet
		for _, p := range f.pool {
			if p.StationID == id && p.MapID == ClassOnMapConfirmed {
				if best == nil || p.Timestamp > best.Timestamp {
					best = p
				}
			}
		}
		if best != nil {
			out = append(out, best)
		}
	}
	return out, nil
}

// fakeStationStore hands out stations keyed by name and records pointer
// updates.
type fakeStationStore struct {
	mu      sync.Mutex
	nextID  int64
	byName  map[string]*Station
	updated []*Packet
}

func newFakeStationStore() *fakeStationStore {
	return &fakeStationStore{byName: make(map[string]*Station)}
}

func (f *fakeStationStore) GetByID(_ context.Context, id int64) (*Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.byName {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, ErrStationNotFound
}

func (f *fakeStationStore) GetByName(_ context.Context, name string, sourceID int) (*Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.byName[name]; ok {
		return st, nil
	}
	return nil, ErrStationNotFound
}

func (f *fakeStationStore) GetOrCreate(_ context.Context, name string, sourceID int) (*Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.byName[name]; ok {
		return st, nil
	}
	f.nextID++
	st := &Station{ID: f.nextID, Name: name, SourceID: sourceID}
	f.byName[name] = st
	return st, nil
}

func (f *fakeStationStore) UpdateLatestPointers(_ context.Context, packets []*Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, packets...)
	return nil
}

// fakeMarkerSeq mints deterministic ids starting at 2.
type fakeMarkerSeq struct {
	mu   sync.Mutex
	next int64
}

func newFakeMarkerSeq() *fakeMarkerSeq {
	return &fakeMarkerSeq{next: 2}
}

func (f *fakeMarkerSeq) NextMarkerID(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	return id, nil
}

func ptr(v float64) *float64 { return &v }

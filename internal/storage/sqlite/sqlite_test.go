package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oh8fks/aprsmap/internal/aprs"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

const baseTs = 1700000000 // 2023-11-14 22:13:20 UTC

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func pinClock(t *testing.T, ts int64) {
	t.Helper()
	orig := nowUnix
	nowUnix = func() int64 { return ts }
	t.Cleanup(func() { nowUnix = orig })
}

func ptr(v float64) *float64 { return &v }

func testPacket(stationID, ts int64, lat, lon float64, class aprs.VisibilityClass) *aprs.Packet {
	return &aprs.Packet{
		StationID:   stationID,
		StationName: "N0CALL-9",
		SenderName:  "N0CALL-9",
		SourceID:    1,
		Timestamp:   ts,
		Lat:         ptr(lat),
		Lon:         ptr(lon),
		SymbolTable: "/",
		Symbol:      ">",
		MapCell:     7502040,
		MapID:       class,
		IsMoving:    true,
		MarkerID:    2,
	}
}

func TestPartitionHelpers(t *testing.T) {
	if got := packetsTable(baseTs); got != "packets_20231114" {
		t.Errorf("packetsTable = %q", got)
	}
	if got := partitionDay(baseTs); got != 1699920000 {
		t.Errorf("partitionDay = %d", got)
	}

	days := partitionsBetween(baseTs-2*86400, baseTs)
	want := []int64{1699920000, 1699833600, 1699747200}
	if len(days) != len(want) {
		t.Fatalf("partitionsBetween = %v", days)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("partitionsBetween = %v, want %v (newest first)", days, want)
		}
	}
	if partitionsBetween(baseTs, baseTs-1) != nil {
		t.Error("inverted range must yield no partitions")
	}
}

func TestCellEncoding(t *testing.T) {
	if encodeCells(nil) != "" {
		t.Error("empty list must encode empty")
	}
	enc := encodeCells([]int64{7502040, 7502045})
	if enc != ",7502040,7502045," {
		t.Errorf("encodeCells = %q", enc)
	}
	dec := decodeCells(enc)
	if len(dec) != 2 || dec[0] != 7502040 || dec[1] != 7502045 {
		t.Errorf("decodeCells = %v", dec)
	}
	if decodeCells("") != nil {
		t.Error("empty string must decode nil")
	}
}

func TestStationGetOrCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.GetOrCreate(ctx, "N0CALL-9", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := store.GetOrCreate(ctx, "N0CALL-9", 1)
	if err != nil || again.ID != st.ID {
		t.Fatalf("repeat create: id %d vs %d (%v)", again.ID, st.ID, err)
	}

	// Same name under another source is a distinct station.
	other, err := store.GetOrCreate(ctx, "N0CALL-9", 2)
	if err != nil || other.ID == st.ID {
		t.Fatalf("cross-source create: id %d vs %d (%v)", other.ID, st.ID, err)
	}

	if _, err := store.GetByName(ctx, "MISSING", 1); err != aprs.ErrStationNotFound {
		t.Fatalf("missing station err = %v", err)
	}
}

func TestMarkerSequencePersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.NextMarkerID(ctx)
	if err != nil || first != 2 {
		t.Fatalf("first marker = %d (%v), minting starts at 2", first, err)
	}
	second, err := store.NextMarkerID(ctx)
	if err != nil || second != 3 {
		t.Fatalf("second marker = %d (%v)", second, err)
	}
}

func TestCommitAndQueryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinClock(t, baseTs)

	st, err := store.GetOrCreate(ctx, "N0CALL-9", 1)
	if err != nil {
		t.Fatalf("station: %v", err)
	}

	p1 := testPacket(st.ID, baseTs-100, 60.12345, 24.0, aprs.ClassOnMapConfirmed)
	p1.RelatedCells = []int64{7502041, 7502042}
	hum := 50.0
	p1.Weather = &aprs.WeatherReport{Humidity: &hum}
	p2 := testPacket(st.ID, baseTs-50, 60.2, 24.1, aprs.ClassOnMapUnconfirmed)

	ids, err := store.Commit(ctx, &aprs.CommitBatch{Packets: []*aprs.Packet{p1, p2}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(ids) != 2 || ids[0] == 0 || ids[1] <= ids[0] {
		t.Fatalf("assigned ids = %v", ids)
	}
	p1.ID, p2.ID = ids[0], ids[1]

	if err := store.UpdateLatestPointers(ctx, []*aprs.Packet{p1, p2}); err != nil {
		t.Fatalf("pointers: %v", err)
	}

	latest, err := store.FindLatest(ctx, st.ID)
	if err != nil || latest == nil || latest.ID != p2.ID {
		t.Fatalf("latest = %+v (%v)", latest, err)
	}

	history, err := store.GetHistory(ctx, []int64{st.ID}, baseTs-3600, baseTs)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != p1.ID || history[1].ID != p2.ID {
		t.Fatalf("history order = %+v", history)
	}
	got := history[0]
	if got.Lat == nil || *got.Lat != 60.12345 {
		t.Errorf("lat = %v", got.Lat)
	}
	if len(got.RelatedCells) != 2 || got.RelatedCells[0] != 7502041 {
		t.Errorf("related cells = %v", got.RelatedCells)
	}
	if got.Weather == nil || got.Weather.Humidity == nil || *got.Weather.Humidity != 50 {
		t.Errorf("weather = %+v", got.Weather)
	}
	if !got.IsMoving {
		t.Error("moving flag lost")
	}

	// Confirmed pointer and the aggregate's denormalized fields.
	confirmed, err := store.GetLatestConfirmed(ctx, []int64{st.ID})
	if err != nil || len(confirmed) != 1 || confirmed[0].ID != p1.ID {
		t.Fatalf("latest confirmed = %+v (%v)", confirmed, err)
	}
	agg, err := store.GetByID(ctx, st.ID)
	if err != nil || !agg.HasConfirmedPosition() || *agg.LatestConfirmedLat != 60.12345 {
		t.Fatalf("aggregate = %+v (%v)", agg, err)
	}
	if agg.LatestWeatherPacketID != p1.ID {
		t.Errorf("weather pointer = %d", agg.LatestWeatherPacketID)
	}
}

func TestFindStationIDsInCellMatchesRelatedCells(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinClock(t, baseTs)

	st, _ := store.GetOrCreate(ctx, "N0CALL-9", 1)
	p := testPacket(st.ID, baseTs-100, 60.0, 24.0, aprs.ClassOnMapConfirmed)
	p.RelatedCells = []int64{7502041}
	hidden := testPacket(st.ID, baseTs-90, 60.0, 24.0, aprs.ClassTooFrequent)
	if _, err := store.Commit(ctx, &aprs.CommitBatch{Packets: []*aprs.Packet{p, hidden}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	own, err := store.FindStationIDsInCell(ctx, 7502040, baseTs-3600, baseTs)
	if err != nil || len(own) != 1 || own[0] != st.ID {
		t.Fatalf("own-cell lookup = %v (%v)", own, err)
	}
	related, err := store.FindStationIDsInCell(ctx, 7502041, baseTs-3600, baseTs)
	if err != nil || len(related) != 1 {
		t.Fatalf("related-cell lookup = %v (%v)", related, err)
	}
	// 750204 is a prefix of both cells; it must not match by substring.
	none, err := store.FindStationIDsInCell(ctx, 750204, baseTs-3600, baseTs)
	if err != nil || len(none) != 0 {
		t.Fatalf("prefix cell matched: %v (%v)", none, err)
	}
}

func TestFindPreviousWalksConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinClock(t, baseTs)

	st, _ := store.GetOrCreate(ctx, "N0CALL-9", 1)
	old := testPacket(st.ID, baseTs-7200, 60.0, 24.0, aprs.ClassOnMapConfirmed)
	stationary := testPacket(st.ID, baseTs-600, 61.0, 25.0, aprs.ClassOnMapConfirmed)
	stationary.IsMoving = false
	newest := testPacket(st.ID, baseTs-60, 60.5, 24.5, aprs.ClassOnMapUnconfirmed)
	if _, err := store.Commit(ctx, &aprs.CommitBatch{Packets: []*aprs.Packet{old, stationary, newest}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	movingTrue := true
	prev, err := store.FindPrevious(ctx, st.ID, aprs.PrevQuery{
		Classes: []aprs.VisibilityClass{aprs.ClassOnMapConfirmed},
		Moving:  &movingTrue,
		Since:   baseTs - 86400,
	})
	if err != nil || prev == nil {
		t.Fatalf("prev = %v (%v)", prev, err)
	}
	if prev.Timestamp != baseTs-7200 {
		t.Fatalf("prev ts = %d, want the moving confirmed fix", prev.Timestamp)
	}

	// Position-targeted query rounds to 5 decimals.
	prev, err = store.FindPrevious(ctx, st.ID, aprs.PrevQuery{
		Lat:         ptr(61.000001),
		Lon:         ptr(25.000001),
		Symbol:      ">",
		SymbolTable: "/",
		Since:       baseTs - 86400,
	})
	if err != nil || prev == nil || prev.Timestamp != baseTs-600 {
		t.Fatalf("targeted prev = %+v (%v)", prev, err)
	}

	// Nothing inside the window.
	prev, err = store.FindPrevious(ctx, st.ID, aprs.PrevQuery{Since: baseTs + 1})
	if err != nil || prev != nil {
		t.Fatalf("future window prev = %v (%v)", prev, err)
	}
}

func TestCommitAppliesLinkUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinClock(t, baseTs)

	st, _ := store.GetOrCreate(ctx, "N0CALL-9", 1)
	p1 := testPacket(st.ID, baseTs-100, 60.0, 24.0, aprs.ClassOnMapUnconfirmed)
	ids, err := store.Commit(ctx, &aprs.CommitBatch{Packets: []*aprs.Packet{p1}})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	p2 := testPacket(st.ID, baseTs-50, 60.1, 24.0, aprs.ClassOnMapConfirmed)
	batch := &aprs.CommitBatch{
		Links: []aprs.LinkUpdate{{
			PartitionTs: partitionDay(baseTs - 100),
			PacketIDs:   []int64{ids[0]},
			NewClass:    aprs.ClassReplaced,
		}},
		Packets: []*aprs.Packet{p2},
	}
	if _, err := store.Commit(ctx, batch); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	history, err := store.GetHistory(ctx, []int64{st.ID}, baseTs-3600, baseTs)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %v (%v)", history, err)
	}
	if history[0].MapID != aprs.ClassReplaced {
		t.Fatalf("linked class = %d, want replaced", history[0].MapID)
	}

	// A link against a day with no partition table is skipped, not fatal.
	ghost := &aprs.CommitBatch{
		Links: []aprs.LinkUpdate{{
			PartitionTs: partitionDay(baseTs) - 30*86400,
			PacketIDs:   []int64{999},
			NewClass:    aprs.ClassSupersededAcross,
		}},
		Packets: []*aprs.Packet{testPacket(st.ID, baseTs-10, 60.2, 24.0, aprs.ClassOnMapConfirmed)},
	}
	if _, err := store.Commit(ctx, ghost); err != nil {
		t.Fatalf("pruned-partition link must be skipped: %v", err)
	}
}

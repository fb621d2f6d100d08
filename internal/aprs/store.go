package aprs

import (
	"context"
	"errors"
)

// Sentinel errors for the storage and feed taxonomy. Connectivity loss is
// always fatal to the current unit of work (batch or connection) and is
// re-raised so a higher layer reconnects; it is never swallowed.
var (
	ErrConnectivityLost = errors.New("storage connectivity lost")
	ErrStationNotFound  = errors.New("station not found")
)

// PrevQuery constrains a FindPrevious lookup. Zero-valued fields are
// unconstrained. All lookups are bounded below by Since (unix seconds).
type PrevQuery struct {
	Classes     []VisibilityClass
	Moving      *bool
	Lat         *float64 // exact position match at 5-decimal precision
	Lon         *float64
	Symbol      string
	SymbolTable string
	Since       int64
}

// LinkUpdate rewrites the visibility class of already committed packets.
// PartitionTs addresses the day partition holding the targets.
type LinkUpdate struct {
	PartitionTs int64
	PacketIDs   []int64
	NewClass    VisibilityClass
}

// CommitBatch is one atomic unit of persistence: link updates are applied
// before the inserts within the same transaction, so a freshly invalidated
// prior packet's class is overwritten together with the new rows.
type CommitBatch struct {
	Links   []LinkUpdate
	Packets []*Packet
}

// PacketStore is the persistence interface the core consumes. The physical
// schema (day-partitioned tables) never leaks past timestamp parameters.
type PacketStore interface {
	// FindLatest returns the station's most recent packet of any class,
	// or nil when the station has no history.
	FindLatest(ctx context.Context, stationID int64) (*Packet, error)

	// FindPrevious returns the most recent packet matching the query,
	// or nil when none matches.
	FindPrevious(ctx context.Context, stationID int64, q PrevQuery) (*Packet, error)

	// CountMovesSince counts stored packets for the station with the given
	// symbol and a position different from (lat, lon), newer than since.
	CountMovesSince(ctx context.Context, stationID int64, symbol, symbolTable string, lat, lon float64, since int64) (int, error)

	// Commit applies the batch atomically and returns the assigned row ids
	// in insert order. On failure the whole batch is rolled back.
	Commit(ctx context.Context, batch *CommitBatch) ([]int64, error)

	// FindStationIDsInCell lists stations with map-visible packets in the
	// cell within [start, end].
	FindStationIDsInCell(ctx context.Context, cell int64, start, end int64) ([]int64, error)

	// GetHistory returns map-relevant packets for the stations within
	// [start, end], oldest first.
	GetHistory(ctx context.Context, stationIDs []int64, start, end int64) ([]*Packet, error)

	// GetLatest returns each station's newest packet.
	GetLatest(ctx context.Context, stationIDs []int64) ([]*Packet, error)

	// GetLatestConfirmed returns each station's newest confirmed packet.
	GetLatestConfirmed(ctx context.Context, stationIDs []int64) ([]*Packet, error)
}

// StationStore is the aggregate store for station "latest" pointers.
type StationStore interface {
	GetByID(ctx context.Context, id int64) (*Station, error)
	GetByName(ctx context.Context, name string, sourceID int) (*Station, error)

	// GetOrCreate returns the station, creating it on first sight.
	GetOrCreate(ctx context.Context, name string, sourceID int) (*Station, error)

	// UpdateLatestPointers refreshes the aggregate's latest pointers from
	// freshly committed packets.
	UpdateLatestPointers(ctx context.Context, packets []*Packet) error
}

// MarkerSequence mints new marker (track) ids. Ids are monotonic and must
// survive restarts; MarkerUnknown (1) is reserved and never minted.
type MarkerSequence interface {
	NextMarkerID(ctx context.Context) (int64, error)
}

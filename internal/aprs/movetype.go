package aprs

import (
	"context"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oh8fks/aprsmap/pkg/logger"
)

const (
	// A previous fix older than this no longer corroborates movement.
	moveHistoryMaxAge = 10 * 60 * 60 // 10h, seconds

	// Window for the deeper stored-history check.
	deepCheckWindow = 24 * 60 * 60

	// The deep check hits storage on the hot path, so its verdict is
	// memoized per station for a few minutes.
	deepCheckMemoTTL = 10 * time.Minute
)

type deepCheckMemo struct {
	count   int
	expires time.Time
}

// MoveTypeClassifier decides whether a station is moving or stationary for
// a given packet. Missing data defaults toward "moving" at every branch:
// under-counting stationary tracks is safer than fragmenting moving ones.
type MoveTypeClassifier struct {
	store  PacketStore
	memo   *lru.Cache[string, deepCheckMemo]
	logger *logger.Logger
	now    func() time.Time
}

// NewMoveTypeClassifier creates a move-type classifier backed by the given
// packet store for the deep history check.
func NewMoveTypeClassifier(store PacketStore, log *logger.Logger) *MoveTypeClassifier {
	memo, _ := lru.New[string, deepCheckMemo](4096)
	return &MoveTypeClassifier{
		store:  store,
		memo:   memo,
		logger: log.Named("move-type"),
		now:    time.Now,
	}
}

// IsMoving returns the moving verdict for the packet given the resolved
// previous packet (may be nil). Always returns a boolean; storage errors in
// the deep check degrade to the default rather than failing the packet.
func (m *MoveTypeClassifier) IsMoving(ctx context.Context, p, prev *Packet) bool {
	// Unknown symbols default to moving.
	moving := true

	symClass := classifySymbol(p.SymbolTable, p.Symbol)
	if symClass == symbolStationary || symClass == symbolMaybeMoving {
		moving = false
	}

	// Mobile SSID suffixes override an ambiguous symbol, never a
	// definitely-stationary one.
	ssidMoving := ssidIndicatesMoving(p.StationName)
	if !moving && symClass == symbolMaybeMoving && ssidMoving {
		moving = true
	}

	// Reported course or speed on a non-weather packet is direct evidence.
	if !moving && (p.Course != nil || p.Speed != nil) && p.PacketTypeID != PacketTypeWeather {
		if symClass == symbolMaybeMoving || ssidMoving ||
			(p.Speed != nil && *p.Speed > 0) ||
			(p.Course != nil && *p.Course > 0) {
			moving = true
		}
	}

	if moving || isBalloonTouchdown(p.Comment) {
		return moving
	}

	// Validate the stationary verdict against history.
	switch {
	case prev != nil && p.SameSymbol(prev) && prev.IsMoving &&
		p.Timestamp-prev.PositionTimestamp < moveHistoryMaxAge:
		return true
	case symClass == symbolMaybeMoving && prev != nil && prev.IsMoving:
		return true
	case prev != nil && p.SameSymbol(prev) && prev.HasPosition() && !p.SamePosition(prev):
		return true
	case prev != nil && prev.HasPosition() && !p.SamePosition(prev):
		// Different position under a changed symbol: require more than one
		// stored fix elsewhere before flipping, to avoid flip-flopping on
		// a single noisy sample.
		return m.deepHistoryCheck(ctx, p)
	}

	return false
}

// deepHistoryCheck counts stored same-symbol packets at a different
// position within the last 24h. This is the single most storage-expensive
// branch in the classifier, so the count is memoized per station+symbol.
func (m *MoveTypeClassifier) deepHistoryCheck(ctx context.Context, p *Packet) bool {
	if !p.HasPosition() || m.store == nil {
		return false
	}

	key := memoKey(p.StationID, p.SymbolTable, p.Symbol)
	if cached, ok := m.memo.Get(key); ok && m.now().Before(cached.expires) {
		return cached.count > 0
	}

	count, err := m.store.CountMovesSince(ctx, p.StationID, p.Symbol, p.SymbolTable,
		*p.Lat, *p.Lon, p.Timestamp-deepCheckWindow)
	if err != nil {
		m.logger.Warn("Deep move history check failed",
			logger.Int64("station_id", p.StationID),
			logger.Error(err))
		return false
	}

	m.memo.Add(key, deepCheckMemo{count: count, expires: m.now().Add(deepCheckMemoTTL)})
	return count > 0
}

func memoKey(stationID int64, table, symbol string) string {
	return strconv.FormatInt(stationID, 10) + ":" + table + symbol
}

// isBalloonTouchdown matches comments announcing a balloon payload has
// landed; those stations report a final position and then sit still.
func isBalloonTouchdown(comment string) bool {
	c := strings.ToLower(comment)
	return strings.Contains(c, "touchdown") || strings.Contains(c, "landed")
}

package aprs

import (
	"context"

	"github.com/oh8fks/aprsmap/pkg/logger"
)

// resolverWindow bounds every continuity lookup: nothing older than 24h is
// a candidate previous packet.
const resolverWindow = 24 * 60 * 60

// SourcePolicy captures the per-source trust knobs the resolver and
// classifier consume as plain inputs.
type SourcePolicy struct {
	SendsDirect     bool // wired feed: a relay path means a stale digipeated copy
	AllowDuplicates bool // duplicate-prone source: skip continuity lookups entirely
}

// Resolver finds the single most relevant previous packet to compare a new
// packet against. It only escalates from the cheap "plain latest" lookup to
// a targeted position-indexed query when the plain latest is insufficient.
type Resolver struct {
	store    PacketStore
	moveType *MoveTypeClassifier
	policies map[int]SourcePolicy
	logger   *logger.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store PacketStore, moveType *MoveTypeClassifier, policies map[int]SourcePolicy, log *logger.Logger) *Resolver {
	return &Resolver{
		store:    store,
		moveType: moveType,
		policies: policies,
		logger:   log.Named("resolver"),
	}
}

// Resolve returns the previous packet to classify against, or nil when none
// exists or applies. Also returns the moving verdict computed along the way
// so the classifier does not re-derive it.
func (r *Resolver) Resolve(ctx context.Context, p *Packet) (*Packet, bool, error) {
	// Cheap outs first: no lookup is performed at all for packets that can
	// never continue a track.
	if !p.HasPosition() || !p.MapID.IsPositionBearing() {
		return nil, false, nil
	}
	if policy, ok := r.policies[p.SourceID]; ok && policy.AllowDuplicates {
		return nil, false, nil
	}

	latest, err := r.store.FindLatest(ctx, p.StationID)
	if err != nil {
		return nil, false, err
	}

	// Faulty-GPS branch: match the exact same sentinel position and symbol
	// still in the faulty class, else fall back to the plain latest.
	if isFaultyGPSPosition(p) {
		prev, err := r.store.FindPrevious(ctx, p.StationID, PrevQuery{
			Classes:     []VisibilityClass{ClassFaultyGPS},
			Lat:         p.Lat,
			Lon:         p.Lon,
			Symbol:      p.Symbol,
			SymbolTable: p.SymbolTable,
			Since:       p.Timestamp - resolverWindow,
		})
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			return prev, r.moveType.IsMoving(ctx, p, prev), nil
		}
		return latest, r.moveType.IsMoving(ctx, p, latest), nil
	}

	moving := r.moveType.IsMoving(ctx, p, latest)
	if moving {
		prev, err := r.resolveMoving(ctx, p, latest)
		return prev, moving, err
	}
	prev, err := r.resolveStationary(ctx, p, latest, moving)
	return prev, moving, err
}

// resolveMoving prefers the latest moving map-visible packet over the plain
// latest. When that candidate is itself unconfirmed and not out of order,
// the latest confirmed moving packet competes on geographic distance.
func (r *Resolver) resolveMoving(ctx context.Context, p, latest *Packet) (*Packet, error) {
	movingTrue := true
	candidate, err := r.store.FindPrevious(ctx, p.StationID, PrevQuery{
		Classes: []VisibilityClass{ClassOnMapConfirmed, ClassOnMapUnconfirmed},
		Moving:  &movingTrue,
		Since:   p.Timestamp - resolverWindow,
	})
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return latest, nil
	}

	if candidate.MapID == ClassOnMapUnconfirmed && !reportedOutOfOrder(candidate, p) {
		confirmed, err := r.store.FindPrevious(ctx, p.StationID, PrevQuery{
			Classes: []VisibilityClass{ClassOnMapConfirmed},
			Moving:  &movingTrue,
			Since:   p.Timestamp - resolverWindow,
		})
		if err != nil {
			return nil, err
		}
		if confirmed != nil {
			// Whichever candidate is geographically closer wins; ties go
			// to the confirmed one through the <= comparison.
			if p.DistanceKm(confirmed) <= p.DistanceKm(candidate) {
				return confirmed, nil
			}
		}
	}
	return candidate, nil
}

// resolveStationary prefers a same-position/symbol/moving-flag map-visible
// packet, but only pays for the targeted query when the plain latest
// differs in any of those dimensions.
func (r *Resolver) resolveStationary(ctx context.Context, p, latest *Packet, moving bool) (*Packet, error) {
	if latest != nil &&
		p.SamePosition(latest) && p.SameSymbol(latest) &&
		latest.IsMoving == moving && latest.MapID.IsMapVisible() {
		return latest, nil
	}

	prev, err := r.store.FindPrevious(ctx, p.StationID, PrevQuery{
		Classes:     []VisibilityClass{ClassOnMapConfirmed, ClassOnMapUnconfirmed},
		Moving:      &moving,
		Lat:         p.Lat,
		Lon:         p.Lon,
		Symbol:      p.Symbol,
		SymbolTable: p.SymbolTable,
		Since:       p.Timestamp - resolverWindow,
	})
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev, nil
	}
	return latest, nil
}

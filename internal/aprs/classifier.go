package aprs

import (
	"context"

	"github.com/oh8fks/aprsmap/internal/geo"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

// Continuity thresholds. The order and values are load-bearing: they decide
// when a track keeps its marker, gets a new one, or is suppressed.
const (
	// Any hop under this distance is plausible regardless of implied speed.
	alwaysPlausibleKm = 5.0

	// Beyond this distance a plausible-speed hop still starts a new marker.
	teleportKm = 50.0

	// Base speed bounds in km/h by altitude band.
	maxSpeedNormal   = 500.0
	maxSpeedHighAlt  = 1500.0
	maxSpeedOrbital  = 30000.0
	highAltFloorM    = 6000.0
	orbitalFloorM    = 200000.0

	// Tail carry-forward is bounded to one day.
	tailMaxAge = 24 * 60 * 60

	// Reported-clock regressions larger than this are day rollovers of an
	// HMS-only device clock, not genuine reordering.
	rolloverGuard = 12 * 60 * 60
)

// faultyGPSSentinels are positions GPS units emit while they have no lock.
var faultyGPSSentinels = [][2]float64{
	{0, 0},
	{1, 1},
	{36, 136},
	{-48, 0},
}

func isFaultyGPSPosition(p *Packet) bool {
	if !p.HasPosition() {
		return false
	}
	lat, lon := round5(*p.Lat), round5(*p.Lon)
	for _, s := range faultyGPSSentinels {
		if lat == s[0] && lon == s[1] {
			return true
		}
	}
	return false
}

// reportedOutOfOrder reports whether the new packet's device clock runs
// behind a moving previous packet's, with the same-day rollover guard.
func reportedOutOfOrder(prev, p *Packet) bool {
	if prev == nil || !prev.IsMoving || prev.ReportedTimestamp == 0 || p.ReportedTimestamp == 0 {
		return false
	}
	diff := prev.ReportedTimestamp - p.ReportedTimestamp
	return diff > 0 && diff < rolloverGuard
}

// Classification is the classifier's complete verdict for one packet.
// MarkerID 0 means "needs a freshly minted marker"; the mint happens in
// Classifier.Process so the decision function stays pure.
type Classification struct {
	MapID         VisibilityClass
	MarkerID      int64
	MarkerCounter int64

	ReplacesPacketID  int64
	ReplacesTimestamp int64
	ConfirmsPacketID  int64
	ConfirmsTimestamp int64
	AbnormalPacketID  int64
	AbnormalTimestamp int64

	TailTimestamp     int64
	PositionTimestamp int64
	RelatedCells      []int64
}

// Classify is the §-ordered decision function: given the new packet, the
// resolved previous packet (may be nil), the moving verdict, and the kill
// flag, it produces the full classification. It is total: every input
// combination yields a valid class and marker, and it never touches
// storage. Invalidation/confirmation are declared as links and applied by
// the batch coordinator.
func Classify(p, prev *Packet, moving bool, kill bool, policy SourcePolicy) Classification {
	c := Classification{
		MarkerCounter:     1,
		TailTimestamp:     p.Timestamp,
		PositionTimestamp: p.Timestamp,
	}

	// A wired feed delivers every packet directly; a copy carrying a relay
	// path is a stale digipeated duplicate.
	if policy.SendsDirect && len(p.Path) > 0 {
		c.MapID = ClassDirectNoPath
		c.MarkerID = MarkerUnknown
		return c
	}

	// Not map-eligible: no usable position, or the parser already placed
	// the packet in a non-position class (weather-only etc) which stands.
	if p.MapID != 0 && !p.MapID.IsPositionBearing() {
		c.MapID = p.MapID
		c.MarkerID = MarkerUnknown
		return c
	}
	if !p.HasPosition() {
		c.MapID = ClassNoPosition
		c.MarkerID = MarkerUnknown
		return c
	}

	// A moving station's history must be monotonic in reported time or the
	// polyline would be drawn backwards.
	if reportedOutOfOrder(prev, p) {
		c.MapID = ClassOutOfOrder
		c.MarkerID = MarkerUnknown
		return c
	}

	if isFaultyGPSPosition(p) {
		classifyFaultyGPS(&c, p, prev, kill)
		return c
	}

	if moving {
		classifyMoving(&c, p, prev, kill)
	} else {
		classifyStationary(&c, p, prev, kill)
	}

	deriveTimestamps(&c, p, prev, moving)
	return c
}

func classifyFaultyGPS(c *Classification, p, prev *Packet, kill bool) {
	if kill {
		c.MapID = ClassNoStation
		c.MarkerID = MarkerUnknown
		return
	}
	if prev != nil && prev.MapID == ClassFaultyGPS &&
		p.SamePosition(prev) && p.SameSymbol(prev) {
		c.MapID = ClassFaultyGPS
		c.MarkerID = prev.MarkerID
		c.MarkerCounter = prev.MarkerCounter + 1
		c.ReplacesPacketID = prev.ID
		c.ReplacesTimestamp = prev.Timestamp
		return
	}
	c.MapID = ClassFaultyGPS
	// Fresh marker, minted later.
}

func classifyMoving(c *Classification, p, prev *Packet, kill bool) {
	// A kill makes no sense for a moving track.
	if kill {
		c.MapID = ClassNoStation
		c.MarkerID = MarkerUnknown
		return
	}

	if prev == nil || !prev.IsMoving || !prev.MapID.IsMapVisible() {
		// The track starts here. If the station was previously classified
		// stationary under the same symbol, that classification was a
		// mistake: declare it abnormal.
		if prev != nil && !prev.IsMoving && p.SameSymbol(prev) {
			c.AbnormalPacketID = prev.ID
			c.AbnormalTimestamp = prev.Timestamp
		}
		c.MapID = ClassOnMapUnconfirmed
		return
	}

	if p.SamePosition(prev) {
		carryMarker(c, prev)
		c.ReplacesPacketID = prev.ID
		c.ReplacesTimestamp = prev.Timestamp
		c.MapID = continuedClass(prev, c.MarkerCounter)
		return
	}

	dist := p.DistanceKm(prev)
	speed := geo.SpeedKmh(dist, effectiveTimestamp(p)-effectiveTimestamp(prev))
	bound := maxLikelySpeed(p, prev)

	switch {
	case dist < alwaysPlausibleKm || (speed <= bound && dist <= teleportKm):
		// Continuity accepted: same track.
		carryMarker(c, prev)
		c.MapID = continuedClass(prev, c.MarkerCounter)
		if c.MapID == ClassOnMapConfirmed && prev.MapID == ClassOnMapUnconfirmed {
			// This packet resolves the unconfirmed prior into confirmed.
			c.ConfirmsPacketID = prev.ID
			c.ConfirmsTimestamp = prev.Timestamp
		}
		attachRelatedCells(c, p, prev)

	case speed <= bound:
		// Plausible speed but a teleport-sized gap: new track. An
		// isolated unconfirmed prior fix is about to be orphaned, so
		// declare it a ghost.
		if prev.MarkerCounter <= 1 && prev.MapID == ClassOnMapUnconfirmed {
			c.AbnormalPacketID = prev.ID
			c.AbnormalTimestamp = prev.Timestamp
		}
		c.MapID = ClassOnMapUnconfirmed

	default:
		// Implausible speed: a weak fresh start, no links.
		c.MapID = ClassConfirmsPrior
	}
}

func classifyStationary(c *Classification, p, prev *Packet, kill bool) {
	qualifies := prev != nil && prev.MapID.IsMapVisible() &&
		p.SamePosition(prev) && p.SameSymbol(prev) && !prev.IsMoving

	if kill {
		if qualifies {
			c.MapID = ClassHiddenKilled
			carryMarker(c, prev)
			c.ReplacesPacketID = prev.ID
			c.ReplacesTimestamp = prev.Timestamp
		} else {
			// Nothing on the map to kill.
			c.MapID = ClassNoStation
			c.MarkerID = MarkerUnknown
		}
		return
	}

	if qualifies {
		carryMarker(c, prev)
		c.ReplacesPacketID = prev.ID
		c.ReplacesTimestamp = prev.Timestamp
		if prev.MapID == ClassOnMapConfirmed || c.MarkerCounter >= ConfirmThreshold {
			c.MapID = ClassOnMapConfirmed
		} else {
			c.MapID = prev.MapID
		}
		return
	}

	// Unconfirmed stationary points are not a concept: ambiguity is the
	// move classifier's problem, a fresh stationary point is trusted.
	c.MapID = ClassOnMapConfirmed
}

func carryMarker(c *Classification, prev *Packet) {
	c.MarkerID = prev.MarkerID
	c.MarkerCounter = prev.MarkerCounter + 1
}

// continuedClass promotes a continuing track to confirmed once the marker's
// packet counter reaches the threshold or the prior was already confirmed.
func continuedClass(prev *Packet, counter int64) VisibilityClass {
	if prev.MapID == ClassOnMapConfirmed || counter >= ConfirmThreshold {
		return ClassOnMapConfirmed
	}
	return ClassOnMapUnconfirmed
}

// deriveTimestamps computes the tail and position timestamps. The tail
// carries forward only while position, symbol and moving flag are all
// unchanged, bounded to one day.
func deriveTimestamps(c *Classification, p, prev *Packet, moving bool) {
	if prev == nil {
		return
	}
	if p.SamePosition(prev) {
		c.PositionTimestamp = prev.PositionTimestamp
		if p.SameSymbol(prev) && moving == prev.IsMoving {
			if prev.TailTimestamp != 0 && p.Timestamp-prev.TailTimestamp <= tailMaxAge {
				c.TailTimestamp = prev.TailTimestamp
			}
		}
	}
}

// attachRelatedCells records the intermediate cells of a continuing moving
// segment spanning more than one cell, so viewers covering only part of
// the segment still receive it. Unconfirmed hops carry their cells too:
// when a later packet confirms the prior, merging the prior's cells is what
// backfills the older segment's stretch for viewers that only see it.
func attachRelatedCells(c *Classification, p, prev *Packet) {
	if !p.HasPosition() || !prev.HasPosition() {
		return
	}
	cells := geo.CellsForSegment(*prev.Lat, *prev.Lon, *p.Lat, *p.Lon)
	if c.ConfirmsPacketID != 0 && len(prev.RelatedCells) > 0 {
		cells = mergeCells(cells, prev.RelatedCells)
	}
	c.RelatedCells = cells
}

func mergeCells(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, cell := range append(a, b...) {
		if _, ok := seen[cell]; ok {
			continue
		}
		seen[cell] = struct{}{}
		out = append(out, cell)
	}
	return out
}

// effectiveTimestamp prefers the device-reported time when present.
func effectiveTimestamp(p *Packet) int64 {
	if p.ReportedTimestamp != 0 {
		return p.ReportedTimestamp
	}
	return p.Timestamp
}

// maxLikelySpeed returns the km/h bound for the hop between prev and p:
// a base bound by altitude band, widened to twice the larger self-reported
// speed, widened again when the only comparator is an unconfirmed fix, and
// widened per relay hop since digipeated packets arrive late.
func maxLikelySpeed(p, prev *Packet) float64 {
	bound := maxSpeedNormal
	alt := 0.0
	if p.Altitude != nil {
		alt = *p.Altitude
	}
	if prev.Altitude != nil && *prev.Altitude > alt {
		alt = *prev.Altitude
	}
	switch {
	case alt >= orbitalFloorM:
		bound = maxSpeedOrbital
	case alt >= highAltFloorM:
		bound = maxSpeedHighAlt
	}

	self := 0.0
	if p.Speed != nil {
		self = *p.Speed
	}
	if prev.Speed != nil && *prev.Speed > self {
		self = *prev.Speed
	}
	if 2*self > bound {
		bound = 2 * self
	}

	if prev.MapID == ClassOnMapUnconfirmed {
		bound *= 1.5
	}

	bound *= 1 + 0.3*float64(len(p.Path))
	return bound
}

// Classifier wraps the pure decision function with marker minting. A nil
// sequence puts the classifier in read-only mode: packets that would need
// a fresh marker degrade to NO_STATION instead.
type Classifier struct {
	seq      MarkerSequence
	policies map[int]SourcePolicy
	logger   *logger.Logger
}

// NewClassifier creates a classifier. Pass a nil sequence for read-only
// (live re-classification) mode.
func NewClassifier(seq MarkerSequence, policies map[int]SourcePolicy, log *logger.Logger) *Classifier {
	return &Classifier{
		seq:      seq,
		policies: policies,
		logger:   log.Named("classifier"),
	}
}

// Process classifies the packet in place: visibility class, marker, links
// and derived timestamps are written onto p. It never fails a packet; mint
// failures degrade to the unknown marker and NO_STATION.
func (cl *Classifier) Process(ctx context.Context, p, prev *Packet, moving bool) {
	policy := cl.policies[p.SourceID]
	c := Classify(p, prev, moving, p.KillFlag, policy)

	if c.MarkerID == 0 {
		if cl.seq == nil {
			// Read-only mode: never display a packet with an unresolved
			// marker.
			c.MarkerID = MarkerUnknown
			c.MapID = ClassNoStation
		} else {
			id, err := cl.seq.NextMarkerID(ctx)
			if err != nil {
				cl.logger.Error("Failed to mint marker id",
					logger.Int64("station_id", p.StationID),
					logger.Error(err))
				c.MarkerID = MarkerUnknown
				c.MapID = ClassNoStation
			} else {
				c.MarkerID = id
			}
		}
	}

	p.IsMoving = moving
	p.MapID = c.MapID
	p.MarkerID = c.MarkerID
	p.MarkerCounter = c.MarkerCounter
	p.ReplacesPacketID = c.ReplacesPacketID
	p.ReplacesTimestamp = c.ReplacesTimestamp
	p.ConfirmsPacketID = c.ConfirmsPacketID
	p.ConfirmsTimestamp = c.ConfirmsTimestamp
	p.AbnormalPacketID = c.AbnormalPacketID
	p.AbnormalTimestamp = c.AbnormalTimestamp
	p.TailTimestamp = c.TailTimestamp
	p.PositionTimestamp = c.PositionTimestamp
	p.RelatedCells = c.RelatedCells
	if p.HasPosition() {
		p.MapCell = geo.CellForPosition(*p.Lat, *p.Lon)
	} else {
		p.MapCell = geo.NoCell
	}

	if p.MapID == 0 {
		// Unreachable by construction; degrade loudly rather than crash.
		cl.logger.Error("Classification anomaly: no branch produced a class",
			logger.Int64("station_id", p.StationID),
			logger.String("raw", p.Raw))
		p.MapID = ClassUnsupported
	}
}

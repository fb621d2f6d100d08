package aprs

import (
	"hash/fnv"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oh8fks/aprsmap/pkg/logger"
)

// dupEntry records one seen packet body within the duplicate window.
type dupEntry struct {
	path      string
	timestamp int64
}

// DuplicateDetector suppresses retransmitted copies of a packet body. It is
// keyed by a hash of everything after the header, with a time-windowed,
// capacity-bounded cache (oldest eviction). Safe for concurrent use from
// multiple ingestion workers.
type DuplicateDetector struct {
	window  time.Duration
	entries *expirable.LRU[uint64, dupEntry]
	logger  *logger.Logger
	now     func() time.Time
}

// NewDuplicateDetector creates a detector with the given window and
// capacity. Explicitly constructed and injected so tests can use isolated
// instances.
func NewDuplicateDetector(window time.Duration, capacity int, log *logger.Logger) *DuplicateDetector {
	return &DuplicateDetector{
		window:  window,
		entries: expirable.NewLRU[uint64, dupEntry](capacity, nil, window),
		logger:  log.Named("dup-detector"),
		now:     time.Now,
	}
}

// IsDuplicate reports whether the packet is a confirmed duplicate of a
// body seen within the window. A repeat body via a different relay path is
// only confirmed when the station's last known confirmed position equals
// the incoming one (or the packet is already rate-limited): a second copy
// reporting a genuinely new position is never a duplicate, even when
// body-identical, which protects legitimately periodic payloads arriving
// through rotating relays.
func (d *DuplicateDetector) IsDuplicate(p *Packet, body string, station *Station) bool {
	key := bodyHash(p.StationName, body)
	now := d.now().Unix()

	entry, seen := d.entries.Get(key)
	d.entries.Add(key, dupEntry{path: p.RawPath, timestamp: now})

	if !seen || now-entry.timestamp > int64(d.window/time.Second) {
		return false
	}
	if entry.path == p.RawPath {
		// Same relay path: an upstream hiccup, not a digipeated copy.
		return false
	}

	if p.MapID == ClassTooFrequent {
		return true
	}
	if station == nil || !station.HasConfirmedPosition() || !p.HasPosition() {
		return false
	}
	samePos := round5(*p.Lat) == round5(*station.LatestConfirmedLat) &&
		round5(*p.Lon) == round5(*station.LatestConfirmedLon)
	return samePos
}

func bodyHash(stationName, body string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(stationName))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return h.Sum64()
}

// FrequencyLimiter rejects packets arriving faster than a minimum interval
// per station and packet type. The interval adapts for high-turn-rate
// aircraft telemetry, which legitimately reports faster while turning.
// Two instances exist in the pipeline: a soft one after parsing (fast
// packets may still be stored under their own class) and a hard one at the
// feed-read layer when fast storage is disabled.
type FrequencyLimiter struct {
	minInterval time.Duration
	lastSeen    *lru.Cache[string, int64]
	now         func() time.Time
}

// NewFrequencyLimiter creates a limiter with the given minimum interval.
func NewFrequencyLimiter(minInterval time.Duration, capacity int) *FrequencyLimiter {
	cache, _ := lru.New[string, int64](capacity)
	return &FrequencyLimiter{
		minInterval: minInterval,
		lastSeen:    cache,
		now:         time.Now,
	}
}

// Allow reports whether the packet passes the rate limit, and records it
// when it does.
func (f *FrequencyLimiter) Allow(p *Packet) bool {
	key := p.StationName + "/" + strconv.Itoa(p.PacketTypeID)
	return f.allowKey(key, turnRate(p))
}

// AllowRaw is the pre-parse variant keyed by the sender callsign alone,
// used by the hard limiter at the feed-read layer where the packet type is
// not yet known.
func (f *FrequencyLimiter) AllowRaw(sender string) bool {
	return f.allowKey(sender, 0)
}

func (f *FrequencyLimiter) allowKey(key string, turnRateDegS float64) bool {
	interval := f.minInterval
	if turnRateDegS != 0 {
		// A turning aircraft needs denser fixes to draw a faithful arc.
		interval = time.Duration(float64(interval) / (1 + abs(turnRateDegS)))
	}

	now := f.now().UnixMilli()
	if last, ok := f.lastSeen.Get(key); ok {
		if now-last < interval.Milliseconds() {
			return false
		}
	}
	f.lastSeen.Add(key, now)
	return true
}

func turnRate(p *Packet) float64 {
	if p.OGN != nil && p.OGN.TurnRateDegS != nil {
		return *p.OGN.TurnRateDegS
	}
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

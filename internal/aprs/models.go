package aprs

import (
	"math"

	"github.com/oh8fks/aprsmap/internal/geo"
)

// VisibilityClass (the packet's "map id") controls whether and how a packet
// is rendered. The values are wire-visible and must not be renumbered.
type VisibilityClass int

const (
	ClassOnMapConfirmed    VisibilityClass = 1  // confirmed, drawn on the map
	ClassReplaced          VisibilityClass = 2  // superseded by a newer packet at the same spot
	ClassWeatherOnly       VisibilityClass = 3  // weather report without a drawable position
	ClassNoStation         VisibilityClass = 4  // unresolvable or killed; never drawn
	ClassFaultyGPS         VisibilityClass = 5  // known GPS-lock-failure sentinel position
	ClassOutOfOrder        VisibilityClass = 6  // reported timestamp regressed on a moving track
	ClassOnMapUnconfirmed  VisibilityClass = 7  // drawn, but not yet trusted as ground truth
	ClassTooFrequent       VisibilityClass = 8  // rate-limited; stored only when fast storage is on
	ClassConfirmsPrior     VisibilityClass = 9  // implausible jump; weakly starts a fresh track
	ClassNoPosition        VisibilityClass = 10 // no drawable position
	ClassUnsupported       VisibilityClass = 11 // format the classifier cannot place
	ClassSupersededAcross  VisibilityClass = 12 // unconfirmed entry invalidated from a later partition
	ClassSupersededSame    VisibilityClass = 13 // unconfirmed entry invalidated within its partition
	ClassHiddenKilled      VisibilityClass = 14 // object/item explicitly killed by its owner
	ClassPolicyHidden      VisibilityClass = 15 // hidden by an operator policy
	ClassDirectNoPath      VisibilityClass = 16 // wired-feed packet carrying a relay path; ignored
)

// MarkerUnknown is the reserved marker id for packets that must never be
// drawn. Real markers start at 2 and come from the persistent sequence.
const MarkerUnknown int64 = 1

// ConfirmThreshold is the marker packet counter at which an unconfirmed
// track is promoted to confirmed.
const ConfirmThreshold = 3

// IsMapVisible reports whether the class is drawn on the map.
func (c VisibilityClass) IsMapVisible() bool {
	return c == ClassOnMapConfirmed || c == ClassOnMapUnconfirmed
}

// IsPositionBearing reports whether a packet of this class carries a
// position the continuity machinery should reason about. The zero value
// means "not yet classified" and is position-bearing by definition.
func (c VisibilityClass) IsPositionBearing() bool {
	switch c {
	case 0, ClassOnMapConfirmed, ClassOnMapUnconfirmed, ClassFaultyGPS, ClassConfirmsPrior:
		return true
	}
	return false
}

// DigiHop is one relay in a packet's digipeater path.
type DigiHop struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// WeatherReport is the weather side record of a packet.
type WeatherReport struct {
	TemperatureC *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	PressureHPa  *float64 `json:"pressure,omitempty"`
	WindDir      *float64 `json:"wind_direction,omitempty"`
	WindSpeedMs  *float64 `json:"wind_speed,omitempty"`
	WindGustMs   *float64 `json:"wind_gust,omitempty"`
	Rain1hMm     *float64 `json:"rain_1h,omitempty"`
	Rain24hMm    *float64 `json:"rain_24h,omitempty"`
}

// TelemetryReport is the telemetry side record of a packet.
type TelemetryReport struct {
	Sequence int       `json:"seq"`
	Values   []float64 `json:"vals"`
	Bits     string    `json:"bits,omitempty"`
}

// OGNReport is the aircraft-transponder side record of a packet.
type OGNReport struct {
	AircraftID    string   `json:"aircraft_id,omitempty"`
	ClimbRateMs   *float64 `json:"climb_rate,omitempty"`
	TurnRateDegS  *float64 `json:"turn_rate,omitempty"`
	SignalQuality *float64 `json:"signal_quality,omitempty"`
}

// Packet is the central record: one received radio packet, immutable after
// classification. Timestamps are unix seconds. Marker id is assigned
// exactly once and never changes after commit; the visibility class of
// other, already committed packets may be retroactively rewritten through
// the link fields, never this packet's own class after its own commit.
type Packet struct {
	ID           int64
	StationID    int64
	StationName  string
	SenderID     int64
	SenderName   string
	SourceID     int
	PacketTypeID int

	Timestamp         int64 // receive time
	ReportedTimestamp int64 // device clock, may be skewed or stale; 0 when absent
	PositionTimestamp int64 // timestamp of the last distinct position
	TailTimestamp     int64 // how far back the drawn tail extends

	Lat *float64
	Lon *float64

	SymbolTable string
	Symbol      string

	MapCell  int64
	MapID    VisibilityClass
	IsMoving bool

	MarkerID      int64
	MarkerCounter int64

	// Links to prior packets in the same station's history. Each id is
	// paired with the target's own partition timestamp so the coordinator
	// can address the right day table.
	ReplacesPacketID    int64
	ReplacesTimestamp   int64
	ConfirmsPacketID    int64
	ConfirmsTimestamp   int64
	AbnormalPacketID    int64 // invalidates: the prior entry was a mistake
	AbnormalTimestamp   int64

	// RelatedCells lists the intermediate cells a continuing track segment
	// passes through, so viewers whose window covers only part of the
	// segment still receive it.
	RelatedCells []int64

	Speed    *float64 // km/h as reported
	Course   *float64 // degrees
	Altitude *float64 // meters

	RangeKm      *float64 // reported usable range
	PHG          string   // power-height-gain string as reported
	RangeTs      int64
	PHGTs        int64

	Comment  string
	RawPath  string
	Raw      string
	Path     []DigiHop
	KillFlag bool // explicit end-of-life signal for objects/items

	Weather   *WeatherReport
	Telemetry *TelemetryReport
	OGN       *OGNReport
}

// HasPosition reports whether the packet carries a usable position.
func (p *Packet) HasPosition() bool {
	return p.Lat != nil && p.Lon != nil &&
		!math.IsNaN(*p.Lat) && !math.IsNaN(*p.Lon)
}

// SamePosition reports whether two packets report the same position at
// 5-decimal precision (about one meter).
func (p *Packet) SamePosition(other *Packet) bool {
	if !p.HasPosition() || other == nil || !other.HasPosition() {
		return false
	}
	return round5(*p.Lat) == round5(*other.Lat) && round5(*p.Lon) == round5(*other.Lon)
}

// SameSymbol reports whether two packets share the symbol pair.
func (p *Packet) SameSymbol(other *Packet) bool {
	return other != nil && p.Symbol == other.Symbol && p.SymbolTable == other.SymbolTable
}

// DistanceKm returns the great-circle distance to another packet, or NaN
// when either lacks a position.
func (p *Packet) DistanceKm(other *Packet) float64 {
	if !p.HasPosition() || other == nil || !other.HasPosition() {
		return math.NaN()
	}
	return geo.DistanceKm(*p.Lat, *p.Lon, *other.Lat, *other.Lon)
}

func round5(v float64) float64 {
	return math.Round(v*100000) / 100000
}

// Packet type ids, set by the parser.
const (
	PacketTypePosition  = 1
	PacketTypeObject    = 2
	PacketTypeItem      = 3
	PacketTypeWeather   = 4
	PacketTypeTelemetry = 5
	PacketTypeStatus    = 6
	PacketTypeMessage   = 7
	PacketTypeOther     = 10
)

// Station is the mutable aggregate for one station name+source: only
// "latest" pointers, denormalized for cheap placeholder synthesis. Updated
// in place by batch commits; readers must tolerate a station vanishing
// between calls.
type Station struct {
	ID       int64
	Name     string
	SourceID int

	LatestPacketID        int64
	LatestPacketTimestamp int64

	LatestConfirmedPacketID        int64
	LatestConfirmedPacketTimestamp int64
	LatestConfirmedLat             *float64
	LatestConfirmedLon             *float64
	LatestConfirmedSymbol          string
	LatestConfirmedSymbolTable     string
	LatestConfirmedMarkerID        int64

	LatestWeatherPacketID   int64
	LatestWeatherTimestamp  int64
	LatestTelemetryPacketID int64
	LatestTelemetryTs       int64
	LatestOGNPacketID       int64
	LatestOGNTimestamp      int64
}

// HasConfirmedPosition reports whether the aggregate has a usable
// denormalized position for placeholder synthesis.
func (s *Station) HasConfirmedPosition() bool {
	return s.LatestConfirmedLat != nil && s.LatestConfirmedLon != nil
}

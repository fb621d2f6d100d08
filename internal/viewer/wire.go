package viewer

import (
	"encoding/json"

	"github.com/oh8fks/aprsmap/internal/aprs"
)

// Request types sent by viewers.
const (
	RequestBounds         = 1  // new bounds/window query
	RequestSetFilterIDs   = 4  // set station filter by id list
	RequestRemoveFiltered = 6  // remove one filtered station
	RequestStationRefresh = 7  // single-station refresh
	RequestSetFilterNames = 8  // set station filter by name list
	RequestRefresh        = 11 // re-query current bounds
)

// Response types sent to viewers.
const (
	ResponsePacketBatch        = 2
	ResponseFilterList         = 5
	ResponseLoadingStarted     = 32
	ResponseIdleNoMoreData     = 33
	ResponseLiveStarting       = 34
	ResponseRequestComplete    = 35
	ResponseInactiveTimeout    = 36
	ResponseResetClientState   = 40
	ResponseTimestampTick      = 41
	ResponseConnectionAccepted = 42
)

// Request is one decoded viewer message. Unused fields are zero for the
// request types that do not carry them.
type Request struct {
	Type int `json:"payload_request_type"`

	NELat *float64 `json:"neLat,omitempty"`
	NELng *float64 `json:"neLng,omitempty"`
	SWLat *float64 `json:"swLat,omitempty"`
	SWLng *float64 `json:"swLng,omitempty"`

	Minutes          int   `json:"minutes,omitempty"`
	Time             int64 `json:"time,omitempty"` // time-travel anchor, unix seconds
	OnlyLatestPacket bool  `json:"onlyLatestPacket,omitempty"`
	NoRealTime       bool  `json:"noRealTime,omitempty"`

	StationID  int64    `json:"station_id,omitempty"`
	StationIDs []int64  `json:"station_ids,omitempty"`
	Names      []string `json:"names,omitempty"`
}

// Message is the outbound envelope.
type Message struct {
	Type int         `json:"payload_response_type"`
	Data interface{} `json:"data,omitempty"`
}

// PacketWire is the viewer-facing rendition of one packet.
type PacketWire struct {
	ID           int64  `json:"id,omitempty"`
	StationID    int64  `json:"station_id"`
	StationName  string `json:"station_name,omitempty"`
	SenderID     int64  `json:"sender_id,omitempty"`
	PacketTypeID int    `json:"packet_type_id"`
	SourceID     int    `json:"source_id"`

	Timestamp         int64 `json:"timestamp"`
	ReportedTimestamp int64 `json:"reported_timestamp,omitempty"`
	PositionTimestamp int64 `json:"position_timestamp,omitempty"`
	TailTimestamp     int64 `json:"tail_timestamp,omitempty"`

	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`

	SymbolTable string `json:"symbol_table,omitempty"`
	Symbol      string `json:"symbol,omitempty"`

	MapID         int     `json:"map_id"`
	MapCell       int64   `json:"map_sector"`
	RelatedCells  []int64 `json:"related_sectors,omitempty"`
	IsMoving      bool    `json:"is_moving"`
	MarkerID      int64   `json:"marker_id"`
	MarkerCounter int64   `json:"marker_counter"`

	Speed    *float64 `json:"speed,omitempty"`
	Course   *float64 `json:"course,omitempty"`
	Altitude *float64 `json:"altitude,omitempty"`

	RangeKm *float64 `json:"rng,omitempty"`
	PHG     string   `json:"phg,omitempty"`
	RangeTs int64    `json:"rng_ts,omitempty"`
	PHGTs   int64    `json:"phg_ts,omitempty"`

	Comment  string         `json:"comment,omitempty"`
	RawPath  string         `json:"raw_path,omitempty"`
	NamePath []string       `json:"name_path,omitempty"`
	Path     []aprs.DigiHop `json:"location_path,omitempty"`

	Weather   *aprs.WeatherReport   `json:"weather,omitempty"`
	Telemetry *aprs.TelemetryReport `json:"telemetry,omitempty"`
	OGN       *aprs.OGNReport       `json:"ogn,omitempty"`

	// Delivery flags.
	DB                 bool  `json:"db"`                            // came from storage, not the live feed
	Realtime           bool  `json:"realtime"`                      // live-feed delivery, may precede its own commit
	Overwrite          bool  `json:"overwrite,omitempty"`           // replaces the client's copy of the same id
	PacketOrderID      int64 `json:"packet_order_id,omitempty"`     // delivery sequence within one response
	Related            bool  `json:"related,omitempty"`             // delivered via a related cell, not its own
	Simulated          bool  `json:"simulated,omitempty"`           // synthesized placeholder, not a received packet
	RequestedTimestamp int64 `json:"requested_timestamp,omitempty"` // echo of the query anchor
}

// toWire converts a packet for delivery.
func toWire(p *aprs.Packet, db bool) *PacketWire {
	w := &PacketWire{
		ID:           p.ID,
		StationID:    p.StationID,
		StationName:  p.StationName,
		SenderID:     p.SenderID,
		PacketTypeID: p.PacketTypeID,
		SourceID:     p.SourceID,

		Timestamp:         p.Timestamp,
		ReportedTimestamp: p.ReportedTimestamp,
		PositionTimestamp: p.PositionTimestamp,
		TailTimestamp:     p.TailTimestamp,

		Lat: p.Lat,
		Lng: p.Lon,

		SymbolTable: p.SymbolTable,
		Symbol:      p.Symbol,

		MapID:         int(p.MapID),
		MapCell:       p.MapCell,
		RelatedCells:  p.RelatedCells,
		IsMoving:      p.IsMoving,
		MarkerID:      p.MarkerID,
		MarkerCounter: p.MarkerCounter,

		Speed:    p.Speed,
		Course:   p.Course,
		Altitude: p.Altitude,

		RangeKm: p.RangeKm,
		PHG:     p.PHG,
		RangeTs: p.RangeTs,
		PHGTs:   p.PHGTs,

		Comment: p.Comment,
		RawPath: p.RawPath,
		Path:    p.Path,

		Weather:   p.Weather,
		Telemetry: p.Telemetry,
		OGN:       p.OGN,

		DB:       db,
		Realtime: !db,
	}
	for _, hop := range p.Path {
		w.NamePath = append(w.NamePath, hop.Name)
	}
	return w
}

// encode marshals an outbound message; marshal failures cannot happen for
// the types sent here, but degrade to nil which the caller drops.
func encode(msgType int, data interface{}) []byte {
	b, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return nil
	}
	return b
}

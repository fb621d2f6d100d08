package aprs

import (
	"strconv"
	"strings"
	"time"
)

// Parser turns raw feed lines into Packets. It covers the position-bearing
// subset of the packet grammar plus the weather/telemetry/transponder side
// records; anything else degrades to a best-effort minimal record rather
// than an error, so a malformed line can never stall the feed.
type Parser struct {
	sourceID int
}

// NewParser creates a parser stamping packets with the given source id.
func NewParser(sourceID int) *Parser {
	return &Parser{sourceID: sourceID}
}

// Parse parses one feed line received at the given unix time. Always
// returns a packet; the Body return is the raw text after the header, used
// by the duplicate detector.
func (pr *Parser) Parse(raw string, receiveTs int64) (*Packet, string) {
	p := &Packet{
		SourceID:     pr.sourceID,
		Timestamp:    receiveTs,
		Raw:          raw,
		PacketTypeID: PacketTypeOther,
		MapID:        ClassNoPosition,
	}

	colon := strings.Index(raw, ":")
	gt := strings.Index(raw, ">")
	if colon <= 0 || gt <= 0 || gt > colon {
		p.MapID = ClassUnsupported
		return p, raw
	}

	p.SenderName = raw[:gt]
	p.StationName = p.SenderName
	header := raw[gt+1 : colon]
	body := raw[colon+1:]

	if comma := strings.Index(header, ","); comma >= 0 {
		p.RawPath = header[comma+1:]
		for _, hop := range strings.Split(p.RawPath, ",") {
			hop = strings.TrimSuffix(hop, "*")
			if hop != "" {
				p.Path = append(p.Path, DigiHop{Name: hop})
			}
		}
	}

	if body == "" {
		p.MapID = ClassUnsupported
		return p, body
	}

	switch body[0] {
	case '!', '=':
		p.PacketTypeID = PacketTypePosition
		pr.parsePosition(p, body[1:])
	case '/', '@':
		p.PacketTypeID = PacketTypePosition
		rest := pr.parseTimestamp(p, body[1:], receiveTs)
		pr.parsePosition(p, rest)
	case ';':
		p.PacketTypeID = PacketTypeObject
		pr.parseObject(p, body[1:], receiveTs)
	case ')':
		p.PacketTypeID = PacketTypeItem
		pr.parseItem(p, body[1:])
	case '_':
		p.PacketTypeID = PacketTypeWeather
		p.MapID = ClassWeatherOnly
		pr.parseWeatherBody(p, body[1:])
	case 'T':
		if strings.HasPrefix(body, "T#") {
			p.PacketTypeID = PacketTypeTelemetry
			pr.parseTelemetry(p, body[2:])
		}
	case '>':
		p.PacketTypeID = PacketTypeStatus
		p.Comment = body[1:]
	case ':':
		p.PacketTypeID = PacketTypeMessage
	default:
		p.MapID = ClassUnsupported
	}

	if p.HasPosition() {
		// Position-bearing packets leave classification to the classifier.
		p.MapID = 0
	}
	return p, body
}

// parseTimestamp consumes a 7-character timestamp (DDHHMMz zulu or HHMMSSh)
// and returns the remainder. Unparseable timestamps are skipped silently.
func (pr *Parser) parseTimestamp(p *Packet, s string, receiveTs int64) string {
	if len(s) < 7 {
		return s
	}
	ts := s[:7]
	recv := time.Unix(receiveTs, 0).UTC()

	switch ts[6] {
	case 'z':
		day, err1 := strconv.Atoi(ts[0:2])
		hour, err2 := strconv.Atoi(ts[2:4])
		min, err3 := strconv.Atoi(ts[4:6])
		if err1 != nil || err2 != nil || err3 != nil || day < 1 || day > 31 || hour > 23 || min > 59 {
			return s
		}
		t := time.Date(recv.Year(), recv.Month(), day, hour, min, 0, 0, time.UTC)
		// A day-of-month in the future belongs to the previous month.
		if t.After(recv.Add(time.Hour)) {
			t = t.AddDate(0, -1, 0)
		}
		p.ReportedTimestamp = t.Unix()
	case 'h':
		hour, err1 := strconv.Atoi(ts[0:2])
		min, err2 := strconv.Atoi(ts[2:4])
		sec, err3 := strconv.Atoi(ts[4:6])
		if err1 != nil || err2 != nil || err3 != nil || hour > 23 || min > 59 || sec > 59 {
			return s
		}
		t := time.Date(recv.Year(), recv.Month(), recv.Day(), hour, min, sec, 0, time.UTC)
		// A wall time ahead of receipt rolled over midnight.
		if t.After(recv.Add(time.Hour)) {
			t = t.AddDate(0, 0, -1)
		}
		p.ReportedTimestamp = t.Unix()
	default:
		return s
	}
	return s[7:]
}

// parsePosition consumes an uncompressed position report: 8-char latitude,
// symbol table, 9-char longitude, symbol code, then extensions and comment.
func (pr *Parser) parsePosition(p *Packet, s string) {
	if len(s) < 19 {
		p.Comment = s
		return
	}

	lat, ok := parseLat(s[0:8])
	if !ok {
		p.Comment = s
		return
	}
	p.SymbolTable = s[8:9]
	lon, ok := parseLon(s[9:18])
	if !ok {
		p.Comment = s
		return
	}
	p.Symbol = s[18:19]
	p.Lat = &lat
	p.Lon = &lon

	pr.parseExtensions(p, s[19:])
}

// parseExtensions handles course/speed, PHG/RNG, altitude and the
// transponder comment fields, leaving the rest as the comment.
func (pr *Parser) parseExtensions(p *Packet, s string) {
	// Course/speed: "CSE/SPD" in degrees and knots.
	if len(s) >= 7 && s[3] == '/' {
		if course, err1 := strconv.Atoi(s[0:3]); err1 == nil {
			if speedKt, err2 := strconv.Atoi(s[4:7]); err2 == nil {
				cf := float64(course)
				sf := float64(speedKt) * 1.852
				p.Course = &cf
				p.Speed = &sf
				s = s[7:]
			}
		}
	}

	if strings.HasPrefix(s, "PHG") && len(s) >= 7 {
		p.PHG = s[3:7]
		p.PHGTs = p.Timestamp
		s = s[7:]
	} else if strings.HasPrefix(s, "RNG") && len(s) >= 7 {
		if miles, err := strconv.Atoi(s[3:7]); err == nil {
			km := float64(miles) * 1.609344
			p.RangeKm = &km
			p.RangeTs = p.Timestamp
		}
		s = s[7:]
	}

	// Altitude: "/A=nnnnnn" in feet, anywhere in the comment.
	if idx := strings.Index(s, "/A="); idx >= 0 && len(s) >= idx+9 {
		if feet, err := strconv.Atoi(s[idx+3 : idx+9]); err == nil {
			m := float64(feet) * 0.3048
			p.Altitude = &m
		}
	}

	parseOGNComment(p, s)
	p.Comment = strings.TrimSpace(s)
}

// parseObject consumes an object report: 9-char name, live/kill marker,
// timestamp, then a position body. Objects are keyed by the object name,
// not the sender.
func (pr *Parser) parseObject(p *Packet, s string, receiveTs int64) {
	if len(s) < 10 {
		p.MapID = ClassUnsupported
		return
	}
	p.StationName = strings.TrimSpace(s[0:9])
	if p.StationName == "" {
		p.StationName = p.SenderName
	}
	p.KillFlag = s[9] == '_'
	rest := pr.parseTimestamp(p, s[10:], receiveTs)
	pr.parsePosition(p, rest)
}

// parseItem consumes an item report: name of 3..9 chars terminated by the
// live (!) or killed (_) marker, then a position body.
func (pr *Parser) parseItem(p *Packet, s string) {
	term := strings.IndexAny(s, "!_")
	if term < 3 || term > 9 {
		p.MapID = ClassUnsupported
		return
	}
	p.StationName = strings.TrimSpace(s[:term])
	p.KillFlag = s[term] == '_'
	pr.parsePosition(p, s[term+1:])
}

// parseWeatherBody extracts the standard positionless weather fields.
func (pr *Parser) parseWeatherBody(p *Packet, s string) {
	wx := &WeatherReport{}
	got := false

	grab := func(marker byte, width int) *float64 {
		idx := strings.IndexByte(s, marker)
		if idx < 0 || len(s) < idx+1+width {
			return nil
		}
		v, err := strconv.Atoi(s[idx+1 : idx+1+width])
		if err != nil {
			return nil
		}
		f := float64(v)
		got = true
		return &f
	}

	if v := grab('c', 3); v != nil {
		wx.WindDir = v
	}
	if v := grab('s', 3); v != nil {
		ms := *v * 0.44704 // mph
		wx.WindSpeedMs = &ms
	}
	if v := grab('g', 3); v != nil {
		ms := *v * 0.44704
		wx.WindGustMs = &ms
	}
	if v := grab('t', 3); v != nil {
		c := (*v - 32) * 5 / 9 // fahrenheit
		wx.TemperatureC = &c
	}
	if v := grab('r', 3); v != nil {
		mm := *v * 0.254 // hundredths of an inch
		wx.Rain1hMm = &mm
	}
	if v := grab('p', 3); v != nil {
		mm := *v * 0.254
		wx.Rain24hMm = &mm
	}
	if v := grab('h', 2); v != nil {
		wx.Humidity = v
	}
	if v := grab('b', 5); v != nil {
		hpa := *v / 10
		wx.PressureHPa = &hpa
	}

	if got {
		p.Weather = wx
	}
}

// parseTelemetry consumes a T#seq,v1,v2,v3,v4,v5,bits record.
func (pr *Parser) parseTelemetry(p *Packet, s string) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return
	}
	seq, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return
	}
	tel := &TelemetryReport{Sequence: seq}
	for _, part := range parts[1:6] {
		if v, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
			tel.Values = append(tel.Values, v)
		}
	}
	if len(parts) >= 7 {
		tel.Bits = strings.TrimSpace(parts[6])
	}
	p.Telemetry = tel
}

// parseOGNComment extracts transponder fields from an OGN-style comment:
// "id3E5F1234 +123fpm +0.5rot 12.5dB".
func parseOGNComment(p *Packet, s string) {
	fields := strings.Fields(s)
	ogn := &OGNReport{}
	got := false
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "id") && len(f) == 10:
			ogn.AircraftID = f[2:]
			got = true
		case strings.HasSuffix(f, "fpm"):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(f, "fpm"), 64); err == nil {
				ms := v * 0.00508 // feet per minute
				ogn.ClimbRateMs = &ms
				got = true
			}
		case strings.HasSuffix(f, "rot"):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(f, "rot"), 64); err == nil {
				// One rot is half a turn per minute, i.e. 3 degrees/s.
				degS := v * 3
				ogn.TurnRateDegS = &degS
				got = true
			}
		case strings.HasSuffix(f, "dB"):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(f, "dB"), 64); err == nil {
				ogn.SignalQuality = &v
				got = true
			}
		}
	}
	if got {
		p.OGN = ogn
	}
}

// parseLat parses "DDMM.mmN" into decimal degrees.
func parseLat(s string) (float64, bool) {
	if len(s) != 8 {
		return 0, false
	}
	deg, err1 := strconv.Atoi(s[0:2])
	min, err2 := strconv.ParseFloat(s[2:7], 64)
	if err1 != nil || err2 != nil || deg > 90 {
		return 0, false
	}
	v := float64(deg) + min/60
	switch s[7] {
	case 'N':
		return v, true
	case 'S':
		return -v, true
	}
	return 0, false
}

// parseLon parses "DDDMM.mmE" into decimal degrees.
func parseLon(s string) (float64, bool) {
	if len(s) != 9 {
		return 0, false
	}
	deg, err1 := strconv.Atoi(s[0:3])
	min, err2 := strconv.ParseFloat(s[3:8], 64)
	if err1 != nil || err2 != nil || deg > 180 {
		return 0, false
	}
	v := float64(deg) + min/60
	switch s[8] {
	case 'E':
		return v, true
	case 'W':
		return -v, true
	}
	return 0, false
}

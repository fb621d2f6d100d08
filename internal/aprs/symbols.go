package aprs

// Symbol movement semantics. Keys are the symbol table selector followed by
// the symbol code ("/>" is a car on the primary table). Symbols absent from
// every table are treated as unknown, which defaults toward moving.

type symbolClass int

const (
	symbolUnknown symbolClass = iota
	symbolStationary
	symbolMoving
	symbolMaybeMoving
)

// stationarySymbols are fixed installations: drawn once, never tracked.
var stationarySymbols = map[string]bool{
	"/-": true, // house
	"/_": true, // weather station
	"/#": true, // digipeater
	"/&": true, // HF gateway
	"/;": true, // campground
	"/h": true, // hospital
	"/K": true, // school
	"/L": true, // lighthouse
	"/y": true, // house with yagi
	"\\#": true, // overlay digipeater
	"\\&": true, // overlay gateway
	"\\-": true, // house (alternate)
	"\\_": true, // weather site (alternate)
	"\\r": true, // repeater
	"\\x": true, // station off the air
}

// movingSymbols are vehicles and other things that exist to move.
var movingSymbols = map[string]bool{
	"/>": true, // car
	"/<": true, // motorcycle
	"/=": true, // train
	"/'": true, // small aircraft
	"/^": true, // large aircraft
	"/C": true, // canoe
	"/F": true, // farm vehicle
	"/O": true, // balloon
	"/P": true, // police car
	"/R": true, // recreational vehicle
	"/U": true, // bus
	"/X": true, // helicopter
	"/Y": true, // yacht
	"/[": true, // jogger
	"/a": true, // ambulance
	"/b": true, // bicycle
	"/e": true, // horse
	"/f": true, // fire truck
	"/g": true, // glider
	"/j": true, // jeep
	"/k": true, // truck
	"/s": true, // powerboat
	"/u": true, // 18-wheeler
	"/v": true, // van
	"\\^": true, // aircraft (alternate)
	"\\e": true, // sled
	"\\k": true, // SUV
	"\\s": true, // ship (alternate)
	"\\u": true, // truck (alternate)
	"\\v": true, // van (alternate)
}

// maybeMovingSymbols are ambiguous: portable gear that is usually parked
// but sometimes carried. Treated as stationary unless other evidence says
// otherwise.
var maybeMovingSymbols = map[string]bool{
	"//": true, // red dot
	"/$": true, // phone
	"/*": true, // snow(mobile)
	"/0": true, // circle
	"/p": true, // rover (dog)
	"\\/": true, // red dot (alternate)
	"\\0": true, // numbered circle
	"\\a": true, // box with A
}

func classifySymbol(table, symbol string) symbolClass {
	key := table + symbol
	if movingSymbols[key] {
		return symbolMoving
	}
	if stationarySymbols[key] {
		return symbolStationary
	}
	if maybeMovingSymbols[key] {
		return symbolMaybeMoving
	}
	return symbolUnknown
}

// movingSSIDs are the conventional numeric suffixes that mark a station as
// mobile: -7 handheld, -8 boat, -9 primary mobile, -11 balloon, -14 truck.
var movingSSIDs = map[string]bool{
	"7":  true,
	"8":  true,
	"9":  true,
	"11": true,
	"14": true,
}

func ssidIndicatesMoving(stationName string) bool {
	for i := len(stationName) - 1; i >= 0; i-- {
		if stationName[i] == '-' {
			return movingSSIDs[stationName[i+1:]]
		}
	}
	return false
}

package geo

import (
	"math"
)

// Cell grid constants. A cell is 0.2 degrees of latitude by 0.5 degrees of
// longitude, encoded as latCell*10000 + lonCell with both indexes offset to
// a non-negative range.
const (
	CellLatStep = 0.2
	CellLonStep = 0.5

	// WorldCell is the sentinel cell id meaning "everywhere". Used when a
	// single track segment spans so much ground that enumerating the
	// intersected cells would be worse than just telling every viewer.
	WorldCell int64 = 9999999

	// NoCell marks an unresolvable position (NaN coordinates).
	NoCell int64 = -1
)

// CellForPosition maps a latitude/longitude to its grid cell id.
// Returns NoCell for NaN coordinates.
func CellForPosition(lat, lon float64) int64 {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return NoCell
	}
	latCell := int64(math.Floor((lat + 90) / CellLatStep))
	lonCell := int64(math.Floor((lon + 180) / CellLonStep))
	return latCell*10000 + lonCell
}

// Bounds is a viewer's visible bounding box. West/east follow the usual
// -180..180 convention; a box with West > East crosses the antimeridian.
type Bounds struct {
	North float64
	South float64
	West  float64
	East  float64
}

// CrossesAntimeridian reports whether the box wraps around longitude 180.
func (b Bounds) CrossesAntimeridian() bool {
	return b.West > b.East
}

// Contains reports whether the given position falls inside the box.
func (b Bounds) Contains(lat, lon float64) bool {
	if lat < b.South || lat > b.North {
		return false
	}
	if b.CrossesAntimeridian() {
		return lon >= b.West || lon <= b.East
	}
	return lon >= b.West && lon <= b.East
}

// CellsForBounds expands a bounding box into the list of grid cells it
// intersects. A box crossing the antimeridian is split into two sub-boxes
// so iteration stays monotonic; the result is deduplicated across the split.
func CellsForBounds(b Bounds) []int64 {
	if b.CrossesAntimeridian() {
		west := cellsForBox(b.North, b.South, b.West, 180)
		east := cellsForBox(b.North, b.South, -180, b.East)
		seen := make(map[int64]struct{}, len(west)+len(east))
		out := make([]int64, 0, len(west)+len(east))
		for _, cell := range append(west, east...) {
			if _, ok := seen[cell]; ok {
				continue
			}
			seen[cell] = struct{}{}
			out = append(out, cell)
		}
		return out
	}
	return cellsForBox(b.North, b.South, b.West, b.East)
}

func cellsForBox(north, south, west, east float64) []int64 {
	if math.IsNaN(north) || math.IsNaN(south) || math.IsNaN(west) || math.IsNaN(east) {
		return nil
	}
	var cells []int64
	// Snap the start of iteration to the cell grid so the first row/column
	// is the cell containing the south-west corner.
	latStart := math.Floor(south/CellLatStep) * CellLatStep
	lonStart := math.Floor(west/CellLonStep) * CellLonStep
	for lat := latStart; lat <= north; lat += CellLatStep {
		for lon := lonStart; lon <= east; lon += CellLonStep {
			cells = append(cells, CellForPosition(lat, lon))
		}
	}
	return cells
}

// CellsForSegment returns the cells a track segment between two positions
// passes through, stepping along the great circle at half-cell resolution.
// Segments longer than worldCutoffKm collapse to the world sentinel.
const worldCutoffKm = 500.0

func CellsForSegment(lat1, lon1, lat2, lon2 float64) []int64 {
	dist := DistanceKm(lat1, lon1, lat2, lon2)
	if math.IsNaN(dist) {
		return nil
	}
	if dist > worldCutoffKm {
		return []int64{WorldCell}
	}

	start := CellForPosition(lat1, lon1)
	end := CellForPosition(lat2, lon2)
	if start == end {
		return nil
	}

	// Sample at roughly half the smaller cell dimension (0.1 degrees of
	// latitude is ~11 km) so no intermediate cell is skipped.
	steps := int(dist/10) + 2
	seen := make(map[int64]struct{}, steps)
	var cells []int64
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		lat := lat1 + (lat2-lat1)*f
		lon := lon1 + interpolateLon(lon1, lon2)*f
		if lon > 180 {
			lon -= 360
		} else if lon < -180 {
			lon += 360
		}
		cell := CellForPosition(lat, lon)
		if _, ok := seen[cell]; ok {
			continue
		}
		seen[cell] = struct{}{}
		cells = append(cells, cell)
	}
	return cells
}

// interpolateLon returns the signed longitude delta along the short way
// around, so segments across the antimeridian interpolate correctly.
func interpolateLon(lon1, lon2 float64) float64 {
	d := lon2 - lon1
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}

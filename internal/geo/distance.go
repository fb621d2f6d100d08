package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two positions in
// kilometers using the haversine formula.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if math.IsNaN(lat1) || math.IsNaN(lon1) || math.IsNaN(lat2) || math.IsNaN(lon2) {
		return math.NaN()
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// SpeedKmh returns the implied speed in km/h for covering distKm in
// elapsedSecs seconds. Zero or negative elapsed time yields +Inf for any
// positive distance (an instantaneous jump) and 0 otherwise.
func SpeedKmh(distKm float64, elapsedSecs int64) float64 {
	if elapsedSecs <= 0 {
		if distKm > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return distKm / (float64(elapsedSecs) / 3600.0)
}

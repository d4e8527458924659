// Package route implements the geometry side of the planner: great-circle
// distance, the nearest-neighbour ordering heuristic and per-segment
// distance/duration aggregation with an estimation fallback.
package route

import "math"

const earthRadiusKm = 6371.0

// Point is a routable coordinate carrying the owning place id.
type Point struct {
	ID  int64
	Lat float64
	Lng float64
}

// HaversineKm returns the great-circle distance between two coordinates in
// kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

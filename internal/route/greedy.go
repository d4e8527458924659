package route

import (
	"errors"
	"slices"
)

// ErrInsufficientPoints indicates that route optimization needs at least
// three active places to be meaningful.
var ErrInsufficientPoints = errors.New("route: at least 3 active places required")

// GreedyOrder reorders points with the nearest-neighbour heuristic: starting
// from the first point, it repeatedly appends the unvisited point closest to
// the last appended one, breaking distance ties by first-encountered index.
// Inputs of two points or fewer are returned unchanged. The result is
// deterministic for a given input order and is an approximation, not a
// globally optimal tour.
func GreedyOrder(points []Point) []Point {
	ordered := slices.Clone(points)
	if len(ordered) <= 2 {
		return ordered
	}

	result := make([]Point, 0, len(ordered))
	result = append(result, ordered[0])
	remaining := ordered[1:]

	for len(remaining) > 0 {
		last := result[len(result)-1]
		nearest := 0
		nearestDistance := HaversineKm(last.Lat, last.Lng, remaining[0].Lat, remaining[0].Lng)
		for i := 1; i < len(remaining); i++ {
			distance := HaversineKm(last.Lat, last.Lng, remaining[i].Lat, remaining[i].Lng)
			if distance < nearestDistance {
				nearest = i
				nearestDistance = distance
			}
		}
		result = append(result, remaining[nearest])
		remaining = append(remaining[:nearest], remaining[nearest+1:]...)
	}

	return result
}

package route

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fallbackSpeedKmh is the assumed average speed used to estimate a segment
// duration when no routing service measurement is available.
const fallbackSpeedKmh = 50.0

// Measurement is a routed distance/duration pair for one segment.
type Measurement struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// DistanceService measures a real-world route between two points. Failures
// are expected and never fatal; the aggregator substitutes an estimate.
type DistanceService interface {
	DistanceAndDuration(ctx context.Context, from, to Point) (Measurement, error)
}

// Leg is the resolved result for one adjacent pair in the active ordering.
type Leg struct {
	FromID          int64   `json:"fromId"`
	ToID            int64   `json:"toId"`
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationSeconds float64 `json:"durationSeconds"`
	Estimated       bool    `json:"estimated"`
}

// Summary joins all resolved legs for the whole active sequence.
type Summary struct {
	Legs               []Leg   `json:"legs"`
	TotalDistanceKm    float64 `json:"totalDistanceKm"`
	TotalDurationHours float64 `json:"totalDurationHours"`
}

// Aggregator resolves per-segment distances concurrently and joins them into
// a single summary.
type Aggregator struct {
	service DistanceService
	logger  *zap.Logger
}

// NewAggregator constructs an Aggregator. The service may be nil, in which
// case every leg is estimated from the haversine distance.
func NewAggregator(service DistanceService, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{service: service, logger: logger}
}

// Aggregate resolves every adjacent pair of the given ordering. All segment
// lookups run concurrently; the summary is assembled only after every one has
// resolved, successfully or via fallback. Fewer than two points produce an
// empty summary.
func (a *Aggregator) Aggregate(ctx context.Context, points []Point) Summary {
	if len(points) < 2 {
		return Summary{}
	}

	legs := make([]Leg, len(points)-1)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range legs {
		from, to := points[i], points[i+1]
		group.Go(func() error {
			legs[i] = a.resolveLeg(groupCtx, from, to)
			return nil
		})
	}
	// resolveLeg never returns an error; the group is the join barrier.
	_ = group.Wait()

	summary := Summary{Legs: legs}
	for _, leg := range legs {
		summary.TotalDistanceKm += leg.DistanceMeters / 1000
		summary.TotalDurationHours += leg.DurationSeconds / 3600
	}
	return summary
}

func (a *Aggregator) resolveLeg(ctx context.Context, from, to Point) Leg {
	if a.service != nil {
		measurement, err := a.service.DistanceAndDuration(ctx, from, to)
		if err == nil {
			return Leg{
				FromID:          from.ID,
				ToID:            to.ID,
				DistanceMeters:  measurement.DistanceMeters,
				DurationSeconds: measurement.DurationSeconds,
			}
		}
		a.logger.Warn("segment distance lookup failed, estimating",
			zap.Int64("from_id", from.ID),
			zap.Int64("to_id", to.ID),
			zap.Error(err))
	}

	distanceKm := HaversineKm(from.Lat, from.Lng, to.Lat, to.Lng)
	return Leg{
		FromID:          from.ID,
		ToID:            to.ID,
		DistanceMeters:  distanceKm * 1000,
		DurationSeconds: distanceKm / fallbackSpeedKmh * 3600,
		Estimated:       true,
	}
}

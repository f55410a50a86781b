package lifecycle

import (
	"math"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Fares prices a completed ride: a base rate per ambulance class plus
// distance and time components.
type Fares struct {
	Base        map[string]float64
	DefaultBase float64
	PerKm       float64
	PerMinute   float64
}

func DefaultFares() Fares {
	return Fares{
		Base: map[string]float64{
			"basic":         20,
			"advanced":      35,
			"critical_care": 60,
		},
		DefaultBase: 20,
		PerKm:       30,
		PerMinute:   1,
	}
}

// Price never returns a negative amount.
func (f Fares) Price(class string, distanceKm, durationMin float64) float64 {
	base, ok := f.Base[class]
	if !ok {
		base = f.DefaultBase
	}
	fare := base + math.Max(distanceKm, 0)*f.PerKm + math.Max(durationMin, 0)*f.PerMinute
	if fare < 0 {
		fare = 0
	}
	return math.Round(fare*100) / 100
}

// completionMetrics measures a ride from its start time and the pickup and
// dropoff fixes. Missing fixes give zero distance.
func completionMetrics(f Fares, class string, startedAt, now time.Time, pickup, dropoff *models.Coord) (distanceKm, durationMin, fare float64) {
	if !startedAt.IsZero() && now.After(startedAt) {
		durationMin = math.Round(now.Sub(startedAt).Minutes()*100) / 100
	}
	if pickup != nil && dropoff != nil {
		distanceKm = math.Round(geo.DistanceKm(*pickup, *dropoff)*1000) / 1000
	}
	return distanceKm, durationMin, f.Price(class, distanceKm, durationMin)
}

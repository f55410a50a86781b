package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Positions records the last known fix of each party of a request.
type Positions interface {
	Upsert(ctx context.Context, s models.LocationSample) error
	Last(ctx context.Context, requestID string) (map[models.Role]models.LocationSample, error)
}

type Index struct {
	mu    sync.RWMutex
	fixes map[string]map[models.Role]models.LocationSample
}

func NewIndex() *Index {
	return &Index{fixes: make(map[string]map[models.Role]models.LocationSample)}
}

func (g *Index) Upsert(_ context.Context, s models.LocationSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	byRole, ok := g.fixes[s.RequestID]
	if !ok {
		byRole = make(map[models.Role]models.LocationSample, 2)
		g.fixes[s.RequestID] = byRole
	}
	// keep the newest capture
	if prev, ok := byRole[s.Role]; ok && prev.CapturedAt.After(s.CapturedAt) {
		return nil
	}
	byRole[s.Role] = s
	return nil
}

func (g *Index) Last(_ context.Context, requestID string) (map[models.Role]models.LocationSample, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[models.Role]models.LocationSample, 2)
	for r, s := range g.fixes[requestID] {
		out[r] = s
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two coordinates in km.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

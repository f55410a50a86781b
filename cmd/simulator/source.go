package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/position"
)

// simSource is a device location stand-in. It walks toward a target at a
// fixed distance per fix and always grants permission.
type simSource struct {
	mu       sync.Mutex
	pos      models.Coord
	target   *models.Coord
	stepKm   float64
	accuracy float64
}

func newSimSource(start models.Coord, stepKm float64) *simSource {
	return &simSource{pos: start, stepKm: stepKm, accuracy: 12}
}

func (s *simSource) Permission(context.Context) (position.Permission, error) {
	return position.PermissionGranted, nil
}

func (s *simSource) RequestPermission(context.Context) (position.Permission, error) {
	return position.PermissionGranted, nil
}

func (s *simSource) Position(ctx context.Context, opts position.Options) (models.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return models.LocationSample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	acc := s.accuracy
	if !opts.HighAccuracy {
		acc *= 4
	}
	return models.LocationSample{Lat: s.pos.Lat, Lon: s.pos.Lon, Accuracy: acc, CapturedAt: time.Now().UTC()}, nil
}

// SetTarget points the walk at c.
func (s *simSource) SetTarget(c models.Coord) {
	s.mu.Lock()
	s.target = &c
	s.mu.Unlock()
}

func (s *simSource) Current() models.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *simSource) advanceLocked() {
	if s.target == nil || s.stepKm <= 0 {
		return
	}
	left := geo.DistanceKm(s.pos, *s.target)
	if left <= s.stepKm {
		s.pos = *s.target
		return
	}
	f := s.stepKm / left
	s.pos = models.Coord{
		Lat: s.pos.Lat + (s.target.Lat-s.pos.Lat)*f,
		Lon: s.pos.Lon + (s.target.Lon-s.pos.Lon)*f,
	}
	s.pos.Lat = math.Round(s.pos.Lat*1e6) / 1e6
	s.pos.Lon = math.Round(s.pos.Lon*1e6) / 1e6
}

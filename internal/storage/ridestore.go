package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: ride not found")

// RideStore persists ride records. Both writes are idempotent: a repeated
// start leaves the record alone and a completed ride is never rewritten.
type RideStore interface {
	StartRide(ctx context.Context, id string, s models.RideStart) (models.Ride, error)
	CompleteRide(ctx context.Context, id string, c models.RideCompletion) (models.Ride, error)
	GetRide(ctx context.Context, id string) (models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride), now: time.Now}
}

func (m *MemoryStore) StartRide(_ context.Context, id string, s models.RideStart) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rides[id]; ok {
		return r, nil
	}
	r := models.Ride{
		ID:            id,
		RequesterID:   s.RequesterID,
		DriverID:      s.DriverID,
		AmbulanceType: s.AmbulanceType,
		Pickup:        s.Pickup,
		Status:        models.RideStarted,
		StartedAt:     s.StartedAt,
		UpdatedAt:     m.now(),
	}
	m.rides[id] = r
	return r, nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, id string, c models.RideCompletion) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if ok && r.Status == models.RideCompleted {
		return r, nil
	}
	if !ok {
		r = models.Ride{
			ID:            id,
			RequesterID:   c.RequesterID,
			DriverID:      c.DriverID,
			AmbulanceType: c.AmbulanceType,
			Pickup:        c.Pickup,
			StartedAt:     c.StartedAt,
		}
	}
	dropoff := c.Dropoff
	completed := c.CompletedAt
	r.Dropoff = &dropoff
	r.DistanceKm = c.DistanceKm
	r.DurationMin = c.DurationMin
	r.Fare = c.Fare
	r.Status = models.RideCompleted
	r.CompletedAt = &completed
	r.UpdatedAt = m.now()
	m.rides[id] = r
	return r, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDriver  Role = "driver"
)

func (r Role) Valid() bool { return r == RolePatient || r == RoleDriver }

// Counterpart returns the other party of a ride.
func (r Role) Counterpart() Role {
	if r == RoleDriver {
		return RolePatient
	}
	return RoleDriver
}

type DriverSummary struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Phone               string `json:"phone"`
	VehicleID           string `json:"vehicleId"`
	VehicleType         string `json:"vehicleType"`
	VehicleRegistration string `json:"vehicleRegistration"`
}

type EmergencyRequest struct {
	ID            string         `json:"id"`
	RequesterID   string         `json:"requesterId"`
	Location      string         `json:"location"`
	Coord         *Coord         `json:"coord,omitempty"`
	Category      string         `json:"emergencyType"`
	Description   string         `json:"description"`
	AmbulanceType string         `json:"ambulanceType"`
	Status        Status         `json:"status"`
	Driver        *DriverSummary `json:"driver,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	PaymentStatus string         `json:"paymentStatus,omitempty"`
}

type LocationSample struct {
	RequestID  string    `json:"requestId"`
	Role       Role      `json:"role"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   float64   `json:"accuracy"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	CapturedAt time.Time `json:"timestamp"`
	// Stale marks a re-emitted last-known fix.
	Stale bool `json:"stale,omitempty"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

type QueuedUpdate struct {
	Seq        uint64         `json:"seq"`
	Sample     LocationSample `json:"sample"`
	Synced     bool           `json:"synced"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	SyncedAt   time.Time      `json:"syncedAt"`
}

type RideStatus string

const (
	RideStarted   RideStatus = "started"
	RideCompleted RideStatus = "completed"
)

// Ride is the persisted record written at journey start and completion.
type Ride struct {
	ID            string     `json:"id"`
	RequesterID   string     `json:"requesterId"`
	DriverID      string     `json:"driverId"`
	AmbulanceType string     `json:"ambulanceType"`
	Pickup        Coord      `json:"pickup"`
	Dropoff       *Coord     `json:"dropoff,omitempty"`
	DistanceKm    float64    `json:"distanceKm"`
	DurationMin   float64    `json:"durationMin"`
	Fare          float64    `json:"fare"`
	Status        RideStatus `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Identity is the authenticated party behind a connection.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// RideStart is the body of POST /ride/{id}/start.
type RideStart struct {
	RequesterID   string    `json:"requesterId"`
	DriverID      string    `json:"driverId"`
	AmbulanceType string    `json:"ambulanceType"`
	Pickup        Coord     `json:"pickup"`
	StartedAt     time.Time `json:"startedAt"`
}

// RideCompletion is the body of POST /ride/{id}/complete. It carries the
// start fields too so a record can be completed even if the start write
// was lost.
type RideCompletion struct {
	RideStart
	Dropoff     Coord     `json:"dropoff"`
	DistanceKm  float64   `json:"distanceKm"`
	DurationMin float64   `json:"durationMin"`
	Fare        float64   `json:"fare"`
	CompletedAt time.Time `json:"completedAt"`
}

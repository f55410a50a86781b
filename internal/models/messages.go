package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeNewRequest          MessageType = "new_request"
	TypeAcceptRequest       MessageType = "accept_request"
	TypeRejectRequest       MessageType = "reject_request"
	TypeRequestStatusUpdate MessageType = "request_status_update"
	TypeDriverStatusUpdate  MessageType = "driver_status_update"
	TypeCancelRequest       MessageType = "cancel_request"

	TypeLocationRequestPermission MessageType = "location:request-permission"
	TypeLocationGrantPermission   MessageType = "location:grant-permission"
	TypeLocationUpdate            MessageType = "location:update"
	TypeLocationStopSharing       MessageType = "location:stop-sharing"
	TypeLocationGetDistance       MessageType = "location:get-distance"
	TypeLocationReceived          MessageType = "location:received"
	TypeLocationDistanceInfo      MessageType = "location:distance-info"
	TypeLocationTrackingActive    MessageType = "location:tracking-active"
	TypeLocationPermissionGranted MessageType = "location:permission-granted"
)

// Envelope is the wire frame exchanged over the relay.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: b, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return e, nil
}

type AcceptPayload struct {
	RequestID string        `json:"requestId"`
	Driver    DriverSummary `json:"driver"`
}

type RejectPayload struct {
	RequestID string `json:"requestId"`
	DriverID  string `json:"driverId"`
	Reason    string `json:"reason,omitempty"`
}

type StatusPayload struct {
	RequestID string         `json:"requestId"`
	Status    Status         `json:"status"`
	Driver    *DriverSummary `json:"driver,omitempty"`
}

type CancelPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type LocationUpdatePayload struct {
	RequestID string         `json:"requestId"`
	Role      Role           `json:"role"`
	Location  LocationSample `json:"location"`
}

type DistanceInfoPayload struct {
	RequestID   string  `json:"requestId"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
	Fallback    bool    `json:"fallback"`
}

// PermissionPayload carries the handshake signals; they hold no state.
type PermissionPayload struct {
	RequestID string `json:"requestId"`
	Role      Role   `json:"role"`
}

// RequestRef extracts the request id common to every payload.
type RequestRef struct {
	RequestID string `json:"requestId"`
}

package lifecycle

import (
	"time"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/models"
)

type Kind string

const (
	KindNewRequest       Kind = "new_request"
	KindStatus           Kind = "status"
	KindTaken            Kind = "taken"
	KindRejected         Kind = "rejected"
	KindCompleted        Kind = "completed"
	KindPeerLocation     Kind = "peer_location"
	KindDistance         Kind = "distance"
	KindPeerSharing      Kind = "peer_sharing"
	KindTrackingActive   Kind = "tracking_active"
	KindPeerStopped      Kind = "peer_stopped"
	KindLocationError    Kind = "location_error"
	KindLocationSlow     Kind = "location_slow"
	KindPermissionDenied Kind = "permission_denied"
)

// Notification tells the UI something changed for a request.
type Notification struct {
	Kind      Kind
	RequestID string
	Request   models.EmergencyRequest
	ETA       *time.Time
	Peer      *models.LocationSample
	Route     *eta.Route
	// Completion is set for KindCompleted.
	Completion *models.RideCompletion
	// Message is user-facing text for errors and declines.
	Message string
	Err     error
}

func (c *Controller) note(k Kind, t *tracked) Notification {
	v := c.view(t)
	return Notification{Kind: k, RequestID: t.req.ID, Request: v.Request, ETA: v.ETA, Peer: v.Peer, Route: v.Route}
}

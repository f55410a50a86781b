package relay

import (
	"fmt"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Synthesize returns the request_status_update derived from env. ok is false
// for types that are relayed verbatim only.
func Synthesize(env models.Envelope) (derived models.Envelope, ok bool, err error) {
	var status models.StatusPayload
	switch env.Type {
	case models.TypeAcceptRequest:
		var p models.AcceptPayload
		if err := env.Decode(&p); err != nil {
			return models.Envelope{}, false, err
		}
		driver := p.Driver
		status = models.StatusPayload{RequestID: p.RequestID, Status: models.StatusAccepted, Driver: &driver}
	case models.TypeDriverStatusUpdate:
		if err := env.Decode(&status); err != nil {
			return models.Envelope{}, false, err
		}
		if !status.Status.Valid() {
			return models.Envelope{}, false, fmt.Errorf("driver status %q", status.Status)
		}
	case models.TypeCancelRequest:
		var p models.CancelPayload
		if err := env.Decode(&p); err != nil {
			return models.Envelope{}, false, err
		}
		status = models.StatusPayload{RequestID: p.RequestID, Status: models.StatusCancelled}
	default:
		return models.Envelope{}, false, nil
	}
	if status.RequestID == "" {
		return models.Envelope{}, false, fmt.Errorf("%s: missing requestId", env.Type)
	}
	derived, err = models.NewEnvelope(models.TypeRequestStatusUpdate, status)
	if err != nil {
		return models.Envelope{}, false, err
	}
	return derived, true, nil
}

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/ambulance-dispatch/internal/models"
)

// HandledTypes lists every message type Handle understands.
var HandledTypes = []models.MessageType{
	models.TypeNewRequest,
	models.TypeAcceptRequest,
	models.TypeRejectRequest,
	models.TypeRequestStatusUpdate,
	models.TypeDriverStatusUpdate,
	models.TypeCancelRequest,
	models.TypeLocationRequestPermission,
	models.TypeLocationGrantPermission,
	models.TypeLocationUpdate,
	models.TypeLocationStopSharing,
	models.TypeLocationGetDistance,
	models.TypeLocationReceived,
	models.TypeLocationDistanceInfo,
	models.TypeLocationTrackingActive,
	models.TypeLocationPermissionGranted,
}

// Handle applies one relayed message. Messages for requests this client
// does not track, or has already finished, are dropped.
func (c *Controller) Handle(env models.Envelope) {
	var err error
	switch env.Type {
	case models.TypeNewRequest:
		err = c.handleNewRequest(env)
	case models.TypeAcceptRequest:
		err = c.handleAccept(env)
	case models.TypeRejectRequest:
		err = c.handleReject(env)
	case models.TypeRequestStatusUpdate, models.TypeDriverStatusUpdate:
		err = c.handleStatus(env)
	case models.TypeCancelRequest:
		err = c.handleCancel(env)
	case models.TypeLocationRequestPermission:
		err = c.handlePermissionRequest(env)
	case models.TypeLocationGrantPermission:
		err = c.handlePeerGrant(env)
	case models.TypeLocationUpdate:
		err = c.handleLocation(env)
	case models.TypeLocationStopSharing:
		err = c.handleStopSharing(env)
	case models.TypeLocationGetDistance:
		err = c.handleGetDistance(env)
	case models.TypeLocationDistanceInfo:
		err = c.handleDistanceInfo(env)
	case models.TypeLocationTrackingActive:
		err = c.handleTrackingActive(env)
	case models.TypeLocationReceived, models.TypeLocationPermissionGranted:
		var ref models.RequestRef
		if err = env.Decode(&ref); err == nil {
			c.logger.Debug("acknowledged", "type", env.Type, "request_id", ref.RequestID)
		}
	default:
		c.logger.Debug("unhandled message", "type", env.Type)
	}
	if err != nil && !errors.Is(err, ErrNotTracked) {
		c.logger.Warn("message ignored", "type", env.Type, "error", err)
	}
}

// lookup returns the tracked request or ErrNotTracked. Holds c.mu.
func (c *Controller) lookup(id string) (*tracked, error) {
	if t, ok := c.requests[id]; ok {
		return t, nil
	}
	return nil, ErrNotTracked
}

func (c *Controller) handleNewRequest(env models.Envelope) error {
	if c.cfg.Identity.Role != models.RoleDriver {
		return nil
	}
	var req models.EmergencyRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("new_request without id")
	}
	var fx effects
	c.mu.Lock()
	if _, done := c.finished[req.ID]; done {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.requests[req.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if req.Status != models.StatusPending {
		c.mu.Unlock()
		return nil
	}
	c.track(req, &fx)
	fx.notify(c.note(KindNewRequest, c.requests[req.ID]))
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleAccept(env models.Envelope) error {
	var p models.AcceptPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	driver := p.Driver
	return c.applyRemote(p.RequestID, models.StatusAccepted, &driver)
}

func (c *Controller) handleStatus(env models.Envelope) error {
	var p models.StatusPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return c.applyRemote(p.RequestID, p.Status, p.Driver)
}

func (c *Controller) handleCancel(env models.Envelope) error {
	var p models.CancelPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return c.applyRemote(p.RequestID, models.StatusCancelled, nil)
}

// applyRemote moves a tracked request to a status reported by another
// session. Repeats are no-ops; backward or skipping moves are rejected.
func (c *Controller) applyRemote(requestID string, target models.Status, driver *models.DriverSummary) error {
	var fx effects
	c.mu.Lock()
	t, err := c.lookup(requestID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// a driver whose offer went to someone else stops tracking it
	if c.cfg.Identity.Role == models.RoleDriver && t.req.Status == models.StatusPending && target != models.StatusCancelled {
		if driver == nil || driver.ID != c.cfg.Driver.ID {
			c.forget(t, &fx)
			fx.notify(c.note(KindTaken, t))
			c.mu.Unlock()
			c.flush(&fx)
			return nil
		}
	}

	// once assigned, only the assigned driver moves the request
	if c.cfg.Identity.Role == models.RolePatient && t.req.Driver != nil && driver != nil &&
		driver.ID != t.req.Driver.ID && target != models.StatusCancelled {
		c.mu.Unlock()
		return fmt.Errorf("%w: update from %s, assigned %s", ErrNotAssigned, driver.ID, t.req.Driver.ID)
	}

	changed, err := Transition(t.req.Status, target)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !changed {
		if t.req.Driver == nil && driver != nil && target == models.StatusAccepted {
			d := *driver
			t.req.Driver = &d
		}
		c.mu.Unlock()
		return nil
	}
	c.apply(t, target, driver, &fx)
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleReject(env models.Envelope) error {
	if c.cfg.Identity.Role != models.RolePatient {
		return nil
	}
	var p models.RejectPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	var fx effects
	c.mu.Lock()
	t, err := c.lookup(p.RequestID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	n := c.note(KindRejected, t)
	n.Message = p.Reason
	fx.notify(n)
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

// fromCounterpart decodes a permission signal and checks it came from the
// other party of a request in a sharing state. Holds c.mu on success.
func (c *Controller) fromCounterpart(env models.Envelope) (*tracked, error) {
	var p models.PermissionPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	if p.Role != c.cfg.Identity.Role.Counterpart() {
		return nil, ErrNotTracked
	}
	c.mu.Lock()
	t, err := c.lookup(p.RequestID)
	if err != nil || !sharing(t.req.Status) {
		c.mu.Unlock()
		return nil, ErrNotTracked
	}
	return t, nil
}

func (c *Controller) handlePermissionRequest(env models.Envelope) error {
	t, err := c.fromCounterpart(env)
	if err != nil {
		return err
	}
	id := t.req.ID
	c.mu.Unlock()
	c.beginSharing(id, false)
	return nil
}

func (c *Controller) handlePeerGrant(env models.Envelope) error {
	t, err := c.fromCounterpart(env)
	if err != nil {
		return err
	}
	var fx effects
	t.peerGranted = true
	fx.send(models.TypeLocationPermissionGranted, models.RequestRef{RequestID: t.req.ID})
	fx.notify(c.note(KindPeerSharing, t))
	c.checkTrackingActive(t, &fx)
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleTrackingActive(env models.Envelope) error {
	t, err := c.fromCounterpart(env)
	if err != nil {
		return err
	}
	var fx effects
	t.peerGranted = true
	fx.notify(c.note(KindTrackingActive, t))
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleStopSharing(env models.Envelope) error {
	t, err := c.fromCounterpart(env)
	if err != nil {
		return err
	}
	var fx effects
	t.peer = nil
	t.peerGranted = false
	t.trackingActive = false
	fx.notify(c.note(KindPeerStopped, t))
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleLocation(env models.Envelope) error {
	var p models.LocationUpdatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.Role != c.cfg.Identity.Role.Counterpart() {
		return nil
	}
	sample := p.Location
	sample.RequestID = p.RequestID
	sample.Role = p.Role
	if !sample.Coord().Valid() {
		return errors.New("location out of range")
	}

	var fx effects
	c.mu.Lock()
	t, err := c.lookup(p.RequestID)
	if err != nil || !sharing(t.req.Status) {
		c.mu.Unlock()
		return ErrNotTracked
	}
	if t.peer != nil && t.peer.CapturedAt.After(sample.CapturedAt) {
		c.mu.Unlock()
		return nil
	}
	t.peer = &sample
	if c.cfg.Identity.Role == models.RoleDriver && t.req.Status.Rank() < models.StatusStartedJourney.Rank() {
		pickup := sample.Coord()
		t.pickup = &pickup
	}
	fx.send(models.TypeLocationReceived, models.RequestRef{RequestID: p.RequestID})
	fx.notify(c.note(KindPeerLocation, t))
	if t.own != nil {
		from, to := t.own.Coord(), sample.Coord()
		id := p.RequestID
		fx.then(func() { c.estimate(id, from, to) })
	}
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleGetDistance(env models.Envelope) error {
	var ref models.RequestRef
	if err := env.Decode(&ref); err != nil {
		return err
	}
	var fx effects
	c.mu.Lock()
	t, err := c.lookup(ref.RequestID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	switch {
	case t.route != nil:
		fx.send(models.TypeLocationDistanceInfo, distanceInfo(ref.RequestID, *t.route))
	case t.own != nil && t.peer != nil:
		from, to := t.own.Coord(), t.peer.Coord()
		fx.then(func() { c.estimate(ref.RequestID, from, to) })
	}
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

func (c *Controller) handleDistanceInfo(env models.Envelope) error {
	var p models.DistanceInfoPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	var fx effects
	c.mu.Lock()
	t, err := c.lookup(p.RequestID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	n := c.note(KindDistance, t)
	if n.Route == nil {
		// show the counterpart's estimate until ours is computed
		r := routeFromInfo(p)
		n.Route = &r
	}
	fx.notify(n)
	c.mu.Unlock()
	c.flush(&fx)
	return nil
}

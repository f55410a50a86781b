package lifecycle

import (
	"errors"
	"time"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/position"
)

// schedulePermission arms the delayed sharing prompt for t. Holds c.mu.
func (c *Controller) schedulePermission(t *tracked) {
	if t.timer != nil || c.closed {
		return
	}
	id := t.req.ID
	t.timer = time.AfterFunc(c.cfg.PermissionDelay, func() { c.beginSharing(id, true) })
}

// beginSharing prompts for location permission and, once granted, feeds the
// shared watch into this request. ask also asks the counterpart to share.
func (c *Controller) beginSharing(requestID string, ask bool) {
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok || c.closed || !sharing(t.req.Status) {
		c.mu.Unlock()
		return
	}
	t.timer = nil
	if ask {
		fx.send(models.TypeLocationRequestPermission, models.PermissionPayload{RequestID: requestID, Role: c.cfg.Identity.Role})
	}
	prompt := !t.sharing && !t.prompting && c.cfg.Positions != nil
	if prompt {
		t.prompting = true
	}
	c.mu.Unlock()
	c.flush(&fx)

	if !prompt {
		return
	}
	c.goTracked(func() {
		perm, err := c.cfg.Positions.RequestPermission(c.ctx)
		c.permissionAnswered(requestID, perm, err)
	})
}

func (c *Controller) permissionAnswered(requestID string, perm position.Permission, err error) {
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	t.prompting = false
	if err != nil || perm != position.PermissionGranted {
		if err == nil {
			err = position.ErrPermissionDenied
		}
		n := c.note(KindPermissionDenied, t)
		n.Err = err
		n.Message = position.UserMessage(err)
		fx.notify(n)
		c.mu.Unlock()
		c.logger.Warn("location permission not granted", "request_id", requestID, "permission", perm, "error", err)
		c.flush(&fx)
		return
	}
	if !sharing(t.req.Status) {
		c.mu.Unlock()
		return
	}
	t.sharing = true
	fx.send(models.TypeLocationGrantPermission, models.PermissionPayload{RequestID: requestID, Role: c.cfg.Identity.Role})
	c.checkTrackingActive(t, &fx)
	c.startWatchLocked(&fx)
	c.mu.Unlock()
	c.flush(&fx)
}

// checkTrackingActive announces once that both ends are streaming.
func (c *Controller) checkTrackingActive(t *tracked, fx *effects) {
	if t.trackingActive || !t.sharing || !t.peerGranted {
		return
	}
	t.trackingActive = true
	fx.send(models.TypeLocationTrackingActive, models.PermissionPayload{RequestID: t.req.ID, Role: c.cfg.Identity.Role})
	fx.notify(c.note(KindTrackingActive, t))
}

func (c *Controller) startWatchLocked(fx *effects) {
	if c.watching || c.cfg.Positions == nil {
		return
	}
	c.watching = true
	fx.then(func() {
		h := c.cfg.Positions.StartWatch(c.onSample, c.onWatchError)
		c.mu.Lock()
		if c.watching && c.watch == 0 {
			c.watch = h
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		// stopped before the handle arrived
		c.cfg.Positions.StopWatch(h)
	})
}

// stopWatchIfIdle ends the watch when no request is sharing. Holds c.mu.
func (c *Controller) stopWatchIfIdle(fx *effects) {
	if !c.watching {
		return
	}
	for _, t := range c.requests {
		if t.sharing {
			return
		}
	}
	c.watching = false
	h := c.watch
	c.watch = 0
	if h != 0 {
		fx.then(func() { c.cfg.Positions.StopWatch(h) })
	}
}

// onSample fans one fix out to every sharing request, queueing it offline
// while the relay is down.
func (c *Controller) onSample(s models.LocationSample) {
	var fx effects
	role := c.cfg.Identity.Role
	online := c.cfg.Relay.Connected()

	c.mu.Lock()
	for id, t := range c.requests {
		if !t.sharing {
			continue
		}
		sample := s
		sample.RequestID = id
		sample.Role = role
		t.own = &sample
		if role == models.RolePatient && t.req.Status.Rank() < models.StatusStartedJourney.Rank() {
			p := sample.Coord()
			t.pickup = &p
		}
		if online {
			fx.send(models.TypeLocationUpdate, models.LocationUpdatePayload{RequestID: id, Role: role, Location: sample})
			continue
		}
		if c.cfg.Offline != nil {
			fx.then(func() {
				if _, err := c.cfg.Offline.CacheLocationUpdate(id, sample, role); err != nil {
					c.logger.Warn("offline queue failed", "request_id", id, "error", err)
				}
			})
		}
	}
	c.mu.Unlock()
	c.flush(&fx)
}

func (c *Controller) onWatchError(err error) {
	var fx effects
	c.mu.Lock()
	denied := errors.Is(err, position.ErrPermissionDenied)
	for _, t := range c.requests {
		if !t.sharing {
			continue
		}
		kind := KindLocationError
		if denied {
			kind = KindPermissionDenied
			t.sharing = false
			fx.send(models.TypeLocationStopSharing, models.PermissionPayload{RequestID: t.req.ID, Role: c.cfg.Identity.Role})
		}
		n := c.note(kind, t)
		n.Err = err
		n.Message = position.UserMessage(err)
		fx.notify(n)
	}
	if denied && c.watching {
		// the sampler has already stopped its loop; drop our subscription
		c.watching = false
		h := c.watch
		c.watch = 0
		if h != 0 {
			fx.then(func() { c.cfg.Positions.StopWatch(h) })
		}
	}
	c.mu.Unlock()
	c.flush(&fx)
}

// TierFailed reports a sampler tier that failed while a less precise tier
// is still being tried. Suited to position.Config.OnTierFailure.
func (c *Controller) TierFailed(e *position.Error) {
	if e == nil || !e.First || !errors.Is(e, position.ErrTimeout) {
		c.logger.Debug("location tier failed", "error", e)
		return
	}
	var fx effects
	c.mu.Lock()
	for _, t := range c.requests {
		if !t.sharing {
			continue
		}
		n := c.note(KindLocationSlow, t)
		n.Err = e
		n.Message = position.UserMessage(e)
		fx.notify(n)
	}
	c.mu.Unlock()
	c.flush(&fx)
}

// estimate computes the route between both parties off the lock and
// reports it to the UI and the counterpart, unless the request was
// released meanwhile.
func (c *Controller) estimate(requestID string, from, to models.Coord) {
	c.goTracked(func() {
		var route eta.Route
		if c.cfg.Routes != nil {
			route = c.cfg.Routes.GetRoute(c.ctx, from, to, eta.Options{})
		} else {
			route = eta.Fallback(from, to, eta.DefaultSpeedKmh)
		}

		var fx effects
		c.mu.Lock()
		t, ok := c.requests[requestID]
		if !ok {
			c.mu.Unlock()
			return
		}
		t.route = &route
		fx.send(models.TypeLocationDistanceInfo, distanceInfo(requestID, route))
		fx.notify(c.note(KindDistance, t))
		c.mu.Unlock()
		c.flush(&fx)
	})
}

func distanceInfo(requestID string, r eta.Route) models.DistanceInfoPayload {
	return models.DistanceInfoPayload{
		RequestID:   requestID,
		DistanceKm:  r.DistanceKm,
		DurationMin: r.DurationMin,
		Fallback:    r.Fallback,
	}
}

func routeFromInfo(p models.DistanceInfoPayload) eta.Route {
	return eta.Route{DistanceKm: p.DistanceKm, DurationMin: p.DurationMin, Fallback: p.Fallback}
}

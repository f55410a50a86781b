// Package lifecycle tracks emergency requests on one client, drives their
// status through the ride states and runs location sharing between the
// patient and the assigned driver.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/position"
)

// Relay is the outbound side of the relay connection.
type Relay interface {
	Send(t models.MessageType, payload any) error
	Connected() bool
}

type PositionWatcher interface {
	RequestPermission(ctx context.Context) (position.Permission, error)
	StartWatch(onSample func(models.LocationSample), onError func(error)) position.Handle
	StopWatch(h position.Handle)
}

type RouteEstimator interface {
	GetRoute(ctx context.Context, from, to models.Coord, opts eta.Options) eta.Route
}

// OfflineQueue holds location updates and request snapshots while the relay
// is unreachable.
type OfflineQueue interface {
	CacheLocationUpdate(requestID string, sample models.LocationSample, role models.Role) (models.QueuedUpdate, error)
	CacheEmergencyData(req models.EmergencyRequest) error
	DropEmergencyData(id string) error
}

type RideRecorder interface {
	RecordStart(ctx context.Context, requestID string, s models.RideStart) error
	RecordCompletion(ctx context.Context, requestID string, c models.RideCompletion) error
}

type Config struct {
	Identity models.Identity
	// Driver is the profile sent with accepts. Required for drivers.
	Driver *models.DriverSummary

	Relay     Relay
	Positions PositionWatcher
	Routes    RouteEstimator
	Offline   OfflineQueue
	Recorder  RideRecorder
	// RecordsRides makes this client write the ride record milestones.
	RecordsRides bool
	Fares        Fares
	// PermissionDelay separates entering accepted from the sharing prompt.
	PermissionDelay time.Duration
	RecordTimeout   time.Duration
	Logger          *slog.Logger
}

type tracked struct {
	req        models.EmergencyRequest
	acceptedAt time.Time
	startedAt  time.Time
	eta        time.Time
	pickup     *models.Coord

	own   *models.LocationSample
	peer  *models.LocationSample
	route *eta.Route

	sharing        bool
	prompting      bool
	peerGranted    bool
	trackingActive bool
	timer          *time.Timer
}

type Controller struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	requests     map[string]*tracked
	finished     map[string]models.Status
	watch        position.Handle
	watching     bool
	listeners    map[int]func(Notification)
	nextListener int
	closed       bool
}

func New(cfg Config) (*Controller, error) {
	if !cfg.Identity.Role.Valid() {
		return nil, fmt.Errorf("lifecycle: role %q", cfg.Identity.Role)
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("lifecycle: relay is required")
	}
	if cfg.Identity.Role == models.RoleDriver && cfg.Driver == nil {
		return nil, fmt.Errorf("lifecycle: driver profile is required")
	}
	if cfg.Fares.Base == nil && cfg.Fares.PerKm == 0 {
		cfg.Fares = DefaultFares()
	}
	if cfg.PermissionDelay < 0 {
		cfg.PermissionDelay = 0
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "lifecycle", "role", cfg.Identity.Role),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(map[string]*tracked),
		finished:  make(map[string]models.Status),
		listeners: make(map[int]func(Notification)),
	}, nil
}

// effects collects work decided under the lock and carried out after it.
type effects struct {
	notes []Notification
	sends []outbound
	after []func()
}

type outbound struct {
	typ     models.MessageType
	payload any
}

func (fx *effects) send(t models.MessageType, payload any) {
	fx.sends = append(fx.sends, outbound{typ: t, payload: payload})
}

func (fx *effects) notify(n Notification) { fx.notes = append(fx.notes, n) }

func (fx *effects) then(fn func()) { fx.after = append(fx.after, fn) }

func (c *Controller) flush(fx *effects) {
	for _, o := range fx.sends {
		if err := c.cfg.Relay.Send(o.typ, o.payload); err != nil {
			c.logger.Warn("relay send failed", "type", o.typ, "error", err)
		}
	}
	for _, fn := range fx.after {
		fn()
	}
	if len(fx.notes) == 0 {
		return
	}
	c.mu.Lock()
	fns := make([]func(Notification), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, n := range fx.notes {
		for _, fn := range fns {
			fn(n)
		}
	}
}

// goTracked runs fn on a goroutine that Close waits for. It must not be
// called with c.mu held.
func (c *Controller) goTracked(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// OnNotify registers fn for UI notifications and returns its remover.
func (c *Controller) OnNotify(fn func(Notification)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// CreateRequest starts tracking a new patient request and broadcasts it.
func (c *Controller) CreateRequest(req models.EmergencyRequest) (models.EmergencyRequest, error) {
	if c.cfg.Identity.Role != models.RolePatient {
		return models.EmergencyRequest{}, ErrWrongRole
	}
	now := c.now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.RequesterID = c.cfg.Identity.ID
	req.Status = models.StatusPending
	req.Driver = nil
	req.CreatedAt = now
	req.UpdatedAt = now

	var fx effects
	c.mu.Lock()
	if _, ok := c.requests[req.ID]; ok {
		c.mu.Unlock()
		return models.EmergencyRequest{}, fmt.Errorf("lifecycle: request %s already tracked", req.ID)
	}
	c.track(req, &fx)
	fx.notify(c.note(KindStatus, c.requests[req.ID]))
	c.mu.Unlock()

	fx.send(models.TypeNewRequest, req)
	c.flush(&fx)
	return req, nil
}

func (c *Controller) track(req models.EmergencyRequest, fx *effects) {
	t := &tracked{req: req}
	if req.Coord != nil {
		p := *req.Coord
		t.pickup = &p
	}
	c.requests[req.ID] = t
	if c.cfg.Offline != nil {
		fx.then(func() {
			if err := c.cfg.Offline.CacheEmergencyData(req); err != nil {
				c.logger.Warn("offline snapshot failed", "request_id", req.ID, "error", err)
			}
		})
	}
}

// Accept takes a pending request for this driver.
func (c *Controller) Accept(requestID string) error {
	if c.cfg.Identity.Role != models.RoleDriver {
		return ErrWrongRole
	}
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrNotTracked
	}
	if t.req.Status != models.StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.req.Status, models.StatusAccepted)
	}
	driver := *c.cfg.Driver
	c.apply(t, models.StatusAccepted, &driver, &fx)
	c.mu.Unlock()

	fx.send(models.TypeAcceptRequest, models.AcceptPayload{RequestID: requestID, Driver: driver})
	c.flush(&fx)
	return nil
}

// Reject declines a pending offer and stops tracking it locally.
func (c *Controller) Reject(requestID, reason string) error {
	if c.cfg.Identity.Role != models.RoleDriver {
		return ErrWrongRole
	}
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok || t.req.Status != models.StatusPending {
		c.mu.Unlock()
		return ErrNotTracked
	}
	c.forget(t, &fx)
	c.mu.Unlock()

	fx.send(models.TypeRejectRequest, models.RejectPayload{RequestID: requestID, DriverID: c.cfg.Driver.ID, Reason: reason})
	c.flush(&fx)
	return nil
}

// Advance moves an assigned request to its next ride state.
func (c *Controller) Advance(requestID string) (models.Status, error) {
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return "", ErrNotTracked
	}
	next, ok := t.req.Status.Next()
	c.mu.Unlock()
	if !ok {
		return "", ErrIllegalTransition
	}
	return next, c.SetStatus(requestID, next)
}

// SetStatus publishes this driver's status for an assigned request. target
// must be the state right after the current one; repeating the current state
// is a no-op.
func (c *Controller) SetStatus(requestID string, target models.Status) error {
	if c.cfg.Identity.Role != models.RoleDriver {
		return ErrWrongRole
	}
	if target == models.StatusCancelled || target == models.StatusPending {
		return fmt.Errorf("%w: drivers cannot set %s", ErrIllegalTransition, target)
	}
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrNotTracked
	}
	if t.req.Status == models.StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept first", ErrIllegalTransition)
	}
	if t.req.Status == target {
		c.mu.Unlock()
		return nil
	}
	// drivers walk the ride one state at a time
	if next, ok := t.req.Status.Next(); !ok || next != target {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.req.Status, target)
	}
	c.apply(t, target, nil, &fx)
	c.mu.Unlock()

	driver := *c.cfg.Driver
	fx.sends = append([]outbound{{
		typ:     models.TypeDriverStatusUpdate,
		payload: models.StatusPayload{RequestID: requestID, Status: target, Driver: &driver},
	}}, fx.sends...)
	c.flush(&fx)
	return nil
}

// Cancel withdraws a patient request from any non-terminal state.
func (c *Controller) Cancel(requestID, reason string) error {
	if c.cfg.Identity.Role != models.RolePatient {
		return ErrWrongRole
	}
	var fx effects
	c.mu.Lock()
	t, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrNotTracked
	}
	if _, err := Transition(t.req.Status, models.StatusCancelled); err != nil {
		c.mu.Unlock()
		return err
	}
	c.apply(t, models.StatusCancelled, nil, &fx)
	c.mu.Unlock()

	fx.sends = append([]outbound{{
		typ:     models.TypeCancelRequest,
		payload: models.CancelPayload{RequestID: requestID, Reason: reason},
	}}, fx.sends...)
	c.flush(&fx)
	return nil
}

// RequestDistance asks the counterpart for its latest distance estimate.
func (c *Controller) RequestDistance(requestID string) error {
	c.mu.Lock()
	_, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return ErrNotTracked
	}
	return c.cfg.Relay.Send(models.TypeLocationGetDistance, models.RequestRef{RequestID: requestID})
}

// apply enters target and queues its side effects. Callers validate the
// transition and hold c.mu.
func (c *Controller) apply(t *tracked, target models.Status, driver *models.DriverSummary, fx *effects) {
	now := c.now().UTC()
	t.req.Status = target
	t.req.UpdatedAt = now
	if driver != nil && t.req.Driver == nil {
		d := *driver
		t.req.Driver = &d
	}
	if d, ok := ETAWindow(target); ok {
		t.eta = now.Add(d)
	} else {
		t.eta = time.Time{}
	}

	switch target {
	case models.StatusAccepted:
		t.acceptedAt = now
		c.schedulePermission(t)
	case models.StatusStartedJourney:
		t.startedAt = now
		if p := c.patientCoord(t); p != nil {
			t.pickup = p
		}
		if c.cfg.RecordsRides && c.cfg.Recorder != nil {
			start := c.rideStart(t)
			id := t.req.ID
			fx.then(func() { c.recordStart(id, start) })
		}
	case models.StatusCancelled:
		t.req.Driver = nil
	}

	fx.notify(c.note(KindStatus, t))

	switch target {
	case models.StatusCompleted:
		c.complete(t, now, fx)
	case models.StatusCancelled:
		c.release(t, fx)
	}
}

func (c *Controller) complete(t *tracked, now time.Time, fx *effects) {
	started := t.startedAt
	if started.IsZero() {
		started = t.acceptedAt
	}
	if p := c.patientCoord(t); t.pickup == nil && p != nil {
		t.pickup = p
	}
	dropoff := c.driverCoord(t)
	if dropoff == nil {
		dropoff = c.patientCoord(t)
	}
	dist, dur, fare := completionMetrics(c.cfg.Fares, t.req.AmbulanceType, started, now, t.pickup, dropoff)

	done := models.RideCompletion{
		RideStart:   c.rideStart(t),
		DistanceKm:  dist,
		DurationMin: dur,
		Fare:        fare,
		CompletedAt: now,
	}
	done.StartedAt = started
	if dropoff != nil {
		done.Dropoff = *dropoff
	}

	n := c.note(KindCompleted, t)
	n.Completion = &done
	fx.notify(n)
	if c.cfg.RecordsRides && c.cfg.Recorder != nil {
		id := t.req.ID
		fx.then(func() { c.recordCompletion(id, done) })
	}
	c.release(t, fx)
}

func (c *Controller) rideStart(t *tracked) models.RideStart {
	s := models.RideStart{
		RequesterID:   t.req.RequesterID,
		AmbulanceType: t.req.AmbulanceType,
		StartedAt:     t.startedAt,
	}
	if t.req.Driver != nil {
		s.DriverID = t.req.Driver.ID
	}
	if t.pickup != nil {
		s.Pickup = *t.pickup
	}
	return s
}

func (c *Controller) recordStart(id string, s models.RideStart) {
	c.goTracked(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RecordTimeout)
		defer cancel()
		if err := c.cfg.Recorder.RecordStart(ctx, id, s); err != nil {
			c.logger.Error("ride start record failed", "request_id", id, "error", err)
			return
		}
		c.logger.Info("ride start recorded", "request_id", id)
	})
}

func (c *Controller) recordCompletion(id string, done models.RideCompletion) {
	c.goTracked(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RecordTimeout)
		defer cancel()
		if err := c.cfg.Recorder.RecordCompletion(ctx, id, done); err != nil {
			c.logger.Error("ride completion record failed", "request_id", id, "error", err)
			return
		}
		c.logger.Info("ride completion recorded", "request_id", id, "fare", done.Fare)
	})
}

// release ends tracking of a terminal request. Later messages for it are
// ignored.
func (c *Controller) release(t *tracked, fx *effects) {
	c.finished[t.req.ID] = t.req.Status
	c.forget(t, fx)
}

func (c *Controller) forget(t *tracked, fx *effects) {
	id := t.req.ID
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.sharing {
		fx.send(models.TypeLocationStopSharing, models.PermissionPayload{RequestID: id, Role: c.cfg.Identity.Role})
		t.sharing = false
	}
	delete(c.requests, id)
	c.stopWatchIfIdle(fx)
	if c.cfg.Offline != nil {
		fx.then(func() {
			if err := c.cfg.Offline.DropEmergencyData(id); err != nil {
				c.logger.Debug("drop offline snapshot", "request_id", id, "error", err)
			}
		})
	}
}

func (c *Controller) patientCoord(t *tracked) *models.Coord {
	s := t.own
	if c.cfg.Identity.Role != models.RolePatient {
		s = t.peer
	}
	if s == nil {
		return t.pickup
	}
	p := s.Coord()
	return &p
}

func (c *Controller) driverCoord(t *tracked) *models.Coord {
	s := t.peer
	if c.cfg.Identity.Role == models.RoleDriver {
		s = t.own
	}
	if s == nil {
		return nil
	}
	p := s.Coord()
	return &p
}

// View is a snapshot of one tracked request.
type View struct {
	Request models.EmergencyRequest
	ETA     *time.Time
	Peer    *models.LocationSample
	Route   *eta.Route
	Sharing bool
}

func (c *Controller) View(requestID string) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.requests[requestID]
	if !ok {
		return View{}, false
	}
	return c.view(t), true
}

func (c *Controller) view(t *tracked) View {
	v := View{Request: t.req, Sharing: t.sharing}
	if t.req.Driver != nil {
		d := *t.req.Driver
		v.Request.Driver = &d
	}
	if !t.eta.IsZero() {
		e := t.eta
		v.ETA = &e
	}
	if t.peer != nil {
		p := *t.peer
		v.Peer = &p
	}
	if t.route != nil {
		r := *t.route
		v.Route = &r
	}
	return v
}

// Tracked returns the ids of requests still being tracked.
func (c *Controller) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	return ids
}

// Finished reports the terminal status of a released request.
func (c *Controller) Finished(requestID string) (models.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.finished[requestID]
	return s, ok
}

// Close stops sharing and waits for in-flight prompts, estimates and
// record writes.
func (c *Controller) Close() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.requests {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.sharing = false
	}
	c.stopWatchIfIdle(&fx)
	c.mu.Unlock()

	for _, fn := range fx.after {
		fn()
	}
	c.cancel()
	c.wg.Wait()
}

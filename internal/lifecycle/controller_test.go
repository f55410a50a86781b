package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/position"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	typ     models.MessageType
	payload any
}

type fakeRelay struct {
	mu     sync.Mutex
	online bool
	frames []sent
}

func (f *fakeRelay) Send(t models.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sent{typ: t, payload: payload})
	return nil
}

func (f *fakeRelay) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeRelay) setOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

func (f *fakeRelay) of(t models.MessageType) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, s := range f.frames {
		if s.typ == t {
			out = append(out, s.payload)
		}
	}
	return out
}

type fakeWatcher struct {
	mu       sync.Mutex
	perm     position.Permission
	onSample func(models.LocationSample)
	onError  func(error)
	started  int
	stopped  int
}

func (w *fakeWatcher) RequestPermission(ctx context.Context) (position.Permission, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.perm, nil
}

func (w *fakeWatcher) StartWatch(onSample func(models.LocationSample), onError func(error)) position.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started++
	w.onSample, w.onError = onSample, onError
	return position.Handle(w.started)
}

func (w *fakeWatcher) StopWatch(position.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped++
	w.onSample, w.onError = nil, nil
}

func (w *fakeWatcher) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.onSample != nil
}

func (w *fakeWatcher) emit(s models.LocationSample) {
	w.mu.Lock()
	fn := w.onSample
	w.mu.Unlock()
	fn(s)
}

type fakeRecorder struct {
	mu          sync.Mutex
	starts      []models.RideStart
	completions []models.RideCompletion
}

func (r *fakeRecorder) RecordStart(_ context.Context, _ string, s models.RideStart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, s)
	return nil
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, _ string, c models.RideCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	updates []models.LocationSample
}

func (q *fakeQueue) CacheLocationUpdate(id string, s models.LocationSample, role models.Role) (models.QueuedUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(q.updates, s)
	return models.QueuedUpdate{Sample: s}, nil
}

func (q *fakeQueue) CacheEmergencyData(models.EmergencyRequest) error { return nil }
func (q *fakeQueue) DropEmergencyData(string) error                  { return nil }

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.updates)
}

type fixedRoutes struct{ route eta.Route }

func (f fixedRoutes) GetRoute(context.Context, models.Coord, models.Coord, eta.Options) eta.Route {
	return f.route
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) kinds(k Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

var ambulanceDriver = models.DriverSummary{ID: "dA", Name: "Driver A", Phone: "555-0100", VehicleID: "v1", VehicleType: "basic", VehicleRegistration: "AMB-1"}

func newPatient(t *testing.T, cfg Config) (*Controller, *fakeRelay, *recorder) {
	t.Helper()
	relay := &fakeRelay{online: true}
	cfg.Identity = models.Identity{ID: "p1", Role: models.RolePatient}
	cfg.Relay = relay
	cfg.Logger = logging.Discard()
	c, err := New(cfg)
	require.NoError(t, err)
	notes := &recorder{}
	c.OnNotify(notes.add)
	t.Cleanup(c.Close)
	return c, relay, notes
}

func newDriver(t *testing.T, cfg Config) (*Controller, *fakeRelay, *recorder) {
	t.Helper()
	relay := &fakeRelay{online: true}
	d := ambulanceDriver
	cfg.Identity = models.Identity{ID: "dA", Role: models.RoleDriver}
	cfg.Driver = &d
	cfg.Relay = relay
	cfg.Logger = logging.Discard()
	c, err := New(cfg)
	require.NoError(t, err)
	notes := &recorder{}
	c.OnNotify(notes.add)
	t.Cleanup(c.Close)
	return c, relay, notes
}

func envelope(t *testing.T, typ models.MessageType, payload any) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func statusOf(t *testing.T, c *Controller, id string) models.Status {
	t.Helper()
	v, ok := c.View(id)
	require.True(t, ok, "request %s not tracked", id)
	return v.Request.Status
}

func TestPatientSeesAcceptWithDriverDetails(t *testing.T) {
	c, relay, notes := newPatient(t, Config{})
	req, err := c.CreateRequest(models.EmergencyRequest{ID: "r1", Location: "Main St", AmbulanceType: "basic"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)
	require.Len(t, relay.of(models.TypeNewRequest), 1)

	// verbatim accept followed by the relay's synthesized status update
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	d := ambulanceDriver
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusAccepted, Driver: &d}))

	v, ok := c.View("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusAccepted, v.Request.Status)
	require.NotNil(t, v.Request.Driver)
	assert.Equal(t, "Driver A", v.Request.Driver.Name)
	require.NotNil(t, v.ETA)
	assert.InDelta(t, 15, time.Until(*v.ETA).Minutes(), 0.1)

	accepted := 0
	for _, n := range notes.kinds(KindStatus) {
		if n.Request.Status == models.StatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "one accepted transition per accept")
}

func TestFirstAcceptWinsLocally(t *testing.T) {
	c, _, _ := newPatient(t, Config{})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)

	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: models.DriverSummary{ID: "dB", Name: "Driver B"}}))

	v, _ := c.View("r1")
	assert.Equal(t, "dA", v.Request.Driver.ID)
}

func TestLosingDriverCannotMoveRequest(t *testing.T) {
	rec := &fakeRecorder{}
	c, _, notes := newPatient(t, Config{Recorder: rec, RecordsRides: true})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)

	loser := models.DriverSummary{ID: "dB", Name: "Driver B"}
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: loser}))
	c.Handle(envelope(t, models.TypeDriverStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusStartedJourney, Driver: &loser}))
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusCompleted, Driver: &loser}))

	v, ok := c.View("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusAccepted, v.Request.Status)
	assert.Equal(t, "dA", v.Request.Driver.ID)
	assert.Empty(t, notes.kinds(KindCompleted))

	// the assigned driver still moves it
	d := ambulanceDriver
	c.Handle(envelope(t, models.TypeDriverStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusStartedJourney, Driver: &d}))
	assert.Equal(t, models.StatusStartedJourney, statusOf(t, c, "r1"))

	c.Close()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.starts, 1)
	assert.Empty(t, rec.completions)
}

func TestStatusNeverMovesBackwardOrSkips(t *testing.T) {
	c, _, _ := newPatient(t, Config{})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))

	update := func(s models.Status) {
		c.Handle(envelope(t, models.TypeDriverStatusUpdate, models.StatusPayload{RequestID: "r1", Status: s}))
	}
	update(models.StatusOnTheWay) // skips started_journey
	assert.Equal(t, models.StatusAccepted, statusOf(t, c, "r1"))

	update(models.StatusStartedJourney)
	update(models.StatusOnTheWay)
	assert.Equal(t, models.StatusOnTheWay, statusOf(t, c, "r1"))

	update(models.StatusAccepted)
	update(models.StatusPending)
	update("teleported")
	assert.Equal(t, models.StatusOnTheWay, statusOf(t, c, "r1"))
}

func TestCompletionRecordsOnceWithMetrics(t *testing.T) {
	rec := &fakeRecorder{}
	c, _, notes := newPatient(t, Config{Recorder: rec, RecordsRides: true})
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := start
	c.now = func() time.Time { return clock }

	pickup := models.Coord{Lat: 6.5244, Lon: 3.3792}
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1", Coord: &pickup, AmbulanceType: "basic"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	c.Handle(envelope(t, models.TypeDriverStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusStartedJourney}))
	c.Handle(envelope(t, models.TypeLocationUpdate, models.LocationUpdatePayload{
		RequestID: "r1",
		Role:      models.RoleDriver,
		Location:  models.LocationSample{Lat: 6.6, Lon: 3.4, CapturedAt: start},
	}))

	clock = start.Add(30 * time.Minute)
	done := envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusCompleted})
	c.Handle(done)
	c.Handle(done)
	c.Handle(envelope(t, models.TypeCancelRequest, models.CancelPayload{RequestID: "r1"}))

	final, ok := c.Finished("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, final)
	_, tracked := c.View("r1")
	assert.False(t, tracked)

	completed := notes.kinds(KindCompleted)
	require.Len(t, completed, 1)
	m := completed[0].Completion
	require.NotNil(t, m)
	assert.Equal(t, 30.0, m.DurationMin)
	assert.Greater(t, m.DistanceKm, 0.0)
	assert.GreaterOrEqual(t, m.Fare, 0.0)
	assert.Equal(t, DefaultFares().Price("basic", m.DistanceKm, 30), m.Fare)

	c.Close()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.starts, 1)
	require.Len(t, rec.completions, 1)
	assert.Equal(t, "dA", rec.completions[0].DriverID)
	assert.Equal(t, pickup, rec.completions[0].Pickup)
}

func TestCompleteStraightFromAccepted(t *testing.T) {
	c, _, notes := newPatient(t, Config{})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)

	// completed is not reachable from pending
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusCompleted}))
	assert.Equal(t, models.StatusPending, statusOf(t, c, "r1"))

	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusCompleted}))
	_, ok := c.Finished("r1")
	assert.True(t, ok)
	require.Len(t, notes.kinds(KindCompleted), 1)
	assert.GreaterOrEqual(t, notes.kinds(KindCompleted)[0].Completion.DurationMin, 0.0)
}

func TestCancelIsTerminal(t *testing.T) {
	c, relay, _ := newPatient(t, Config{})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))

	require.NoError(t, c.Cancel("r1", "no longer needed"))
	require.Len(t, relay.of(models.TypeCancelRequest), 1)
	final, _ := c.Finished("r1")
	assert.Equal(t, models.StatusCancelled, final)

	assert.ErrorIs(t, c.Cancel("r1", "again"), ErrNotTracked)
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusCancelled}))
	c.Handle(envelope(t, models.TypeDriverStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusStartedJourney}))
	_, tracked := c.View("r1")
	assert.False(t, tracked)
	assert.Len(t, relay.of(models.TypeCancelRequest), 1)
}

func TestDriverAcceptsAndAdvances(t *testing.T) {
	c, relay, notes := newDriver(t, Config{})
	c.Handle(envelope(t, models.TypeNewRequest, models.EmergencyRequest{ID: "r1", Location: "Main St", Status: models.StatusPending}))
	require.Len(t, notes.kinds(KindNewRequest), 1)

	require.NoError(t, c.Accept("r1"))
	accepts := relay.of(models.TypeAcceptRequest)
	require.Len(t, accepts, 1)
	assert.Equal(t, "Driver A", accepts[0].(models.AcceptPayload).Driver.Name)
	assert.ErrorIs(t, c.Accept("r1"), ErrIllegalTransition)

	// the relay's derived status for our own accept changes nothing
	d := ambulanceDriver
	c.Handle(envelope(t, models.TypeRequestStatusUpdate, models.StatusPayload{RequestID: "r1", Status: models.StatusAccepted, Driver: &d}))
	assert.Equal(t, models.StatusAccepted, statusOf(t, c, "r1"))

	assert.ErrorIs(t, c.SetStatus("r1", models.StatusOnTheWay), ErrIllegalTransition)
	next, err := c.Advance("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStartedJourney, next)
	updates := relay.of(models.TypeDriverStatusUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusStartedJourney, updates[0].(models.StatusPayload).Status)

	v, _ := c.View("r1")
	require.NotNil(t, v.ETA)
	assert.InDelta(t, 12, time.Until(*v.ETA).Minutes(), 0.1)

	for _, want := range []models.Status{models.StatusOnTheWay, models.StatusAlmostThere, models.StatusLookingForPatient, models.StatusReceivedPatient} {
		got, err := c.Advance("r1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	v, _ = c.View("r1")
	assert.Nil(t, v.ETA, "received_patient clears the estimate")

	assert.ErrorIs(t, c.SetStatus("r1", models.StatusCompleted), ErrIllegalTransition)
	got, err := c.Advance("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDroppingOff, got)
	require.NoError(t, c.SetStatus("r1", models.StatusDroppingOff), "repeat is a no-op")
	require.NoError(t, c.SetStatus("r1", models.StatusCompleted))
	_, ok := c.Finished("r1")
	assert.True(t, ok)
	assert.ErrorIs(t, c.SetStatus("r1", models.StatusCompleted), ErrNotTracked)
}

func TestDriverCannotSkipToCompleted(t *testing.T) {
	c, relay, _ := newDriver(t, Config{})
	c.Handle(envelope(t, models.TypeNewRequest, models.EmergencyRequest{ID: "r1"}))
	require.NoError(t, c.Accept("r1"))

	for _, target := range []models.Status{models.StatusCompleted, models.StatusOnTheWay, models.StatusDroppingOff, models.StatusPending, models.StatusCancelled} {
		assert.ErrorIs(t, c.SetStatus("r1", target), ErrIllegalTransition, "accepted -> %s", target)
	}
	assert.Equal(t, models.StatusAccepted, statusOf(t, c, "r1"))
	_, done := c.Finished("r1")
	assert.False(t, done)
	assert.Empty(t, relay.of(models.TypeDriverStatusUpdate))
}

func TestDriverDropsOfferTakenByAnother(t *testing.T) {
	c, _, notes := newDriver(t, Config{})
	c.Handle(envelope(t, models.TypeNewRequest, models.EmergencyRequest{ID: "r1"}))
	c.Handle(envelope(t, models.TypeNewRequest, models.EmergencyRequest{ID: "r2"}))

	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: models.DriverSummary{ID: "dB"}}))
	assert.Equal(t, []string{"r2"}, c.Tracked())
	assert.Len(t, notes.kinds(KindTaken), 1)
	assert.ErrorIs(t, c.Accept("r1"), ErrNotTracked)
}

func TestRolesAreEnforced(t *testing.T) {
	p, _, _ := newPatient(t, Config{})
	assert.ErrorIs(t, p.Accept("r1"), ErrWrongRole)
	d, _, _ := newDriver(t, Config{})
	_, err := d.CreateRequest(models.EmergencyRequest{})
	assert.ErrorIs(t, err, ErrWrongRole)
	assert.ErrorIs(t, d.Cancel("r1", ""), ErrWrongRole)
}

func TestSharingHandshakeAndOfflineQueue(t *testing.T) {
	watcher := &fakeWatcher{perm: position.PermissionGranted}
	queue := &fakeQueue{}
	c, relay, notes := newPatient(t, Config{Positions: watcher, Offline: queue})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))

	require.Eventually(t, watcher.active, time.Second, time.Millisecond)
	require.Len(t, relay.of(models.TypeLocationRequestPermission), 1)
	require.Len(t, relay.of(models.TypeLocationGrantPermission), 1)

	c.Handle(envelope(t, models.TypeLocationGrantPermission, models.PermissionPayload{RequestID: "r1", Role: models.RoleDriver}))
	assert.Len(t, relay.of(models.TypeLocationPermissionGranted), 1)
	assert.Len(t, relay.of(models.TypeLocationTrackingActive), 1)
	assert.Len(t, notes.kinds(KindTrackingActive), 1)

	watcher.emit(models.LocationSample{Lat: 6.5, Lon: 3.3, CapturedAt: time.Now()})
	updates := relay.of(models.TypeLocationUpdate)
	require.Len(t, updates, 1)
	u := updates[0].(models.LocationUpdatePayload)
	assert.Equal(t, "r1", u.RequestID)
	assert.Equal(t, models.RolePatient, u.Role)

	relay.setOnline(false)
	watcher.emit(models.LocationSample{Lat: 6.51, Lon: 3.31, CapturedAt: time.Now()})
	watcher.emit(models.LocationSample{Lat: 6.52, Lon: 3.32, CapturedAt: time.Now()})
	assert.Len(t, relay.of(models.TypeLocationUpdate), 1)
	assert.Equal(t, 2, queue.len())

	require.NoError(t, c.Cancel("r1", ""))
	assert.Eventually(t, func() bool { return !watcher.active() }, time.Second, time.Millisecond, "watch stops with the last sharing request")
	assert.Len(t, relay.of(models.TypeLocationStopSharing), 1)
}

func TestCounterpartLocationProducesDistance(t *testing.T) {
	watcher := &fakeWatcher{perm: position.PermissionGranted}
	routes := fixedRoutes{route: eta.Route{DistanceKm: 4.2, DurationMin: 9}}
	c, relay, notes := newDriver(t, Config{Positions: watcher, Routes: routes})
	c.Handle(envelope(t, models.TypeNewRequest, models.EmergencyRequest{ID: "r1"}))
	require.NoError(t, c.Accept("r1"))
	require.Eventually(t, watcher.active, time.Second, time.Millisecond)

	watcher.emit(models.LocationSample{Lat: 6.6, Lon: 3.4, CapturedAt: time.Now()})
	c.Handle(envelope(t, models.TypeLocationUpdate, models.LocationUpdatePayload{
		RequestID: "r1",
		Role:      models.RolePatient,
		Location:  models.LocationSample{Lat: 6.5, Lon: 3.3, CapturedAt: time.Now()},
	}))
	assert.Len(t, relay.of(models.TypeLocationReceived), 1)
	require.Eventually(t, func() bool { return len(notes.kinds(KindDistance)) == 1 }, time.Second, time.Millisecond)
	infos := relay.of(models.TypeLocationDistanceInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, 4.2, infos[0].(models.DistanceInfoPayload).DistanceKm)
	assert.Len(t, notes.kinds(KindPeerLocation), 1)

	// on-demand distance answers from the last estimate
	c.Handle(envelope(t, models.TypeLocationGetDistance, models.RequestRef{RequestID: "r1"}))
	assert.Len(t, relay.of(models.TypeLocationDistanceInfo), 2)

	// our own role's echo is not a counterpart position
	c.Handle(envelope(t, models.TypeLocationUpdate, models.LocationUpdatePayload{RequestID: "r1", Role: models.RoleDriver, Location: models.LocationSample{Lat: 1, Lon: 1}}))
	assert.Len(t, relay.of(models.TypeLocationReceived), 1)
}

func TestPermissionDeniedNotifiesWithGuidance(t *testing.T) {
	watcher := &fakeWatcher{perm: position.PermissionDenied}
	c, _, notes := newPatient(t, Config{Positions: watcher})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))

	require.Eventually(t, func() bool { return len(notes.kinds(KindPermissionDenied)) == 1 }, time.Second, time.Millisecond)
	n := notes.kinds(KindPermissionDenied)[0]
	assert.ErrorIs(t, n.Err, position.ErrPermissionDenied)
	assert.Contains(t, n.Message, "settings")
	assert.False(t, watcher.active())
}

// slowFixSource never answers high-accuracy requests.
type slowFixSource struct{}

func (slowFixSource) Permission(context.Context) (position.Permission, error) {
	return position.PermissionGranted, nil
}

func (slowFixSource) RequestPermission(context.Context) (position.Permission, error) {
	return position.PermissionGranted, nil
}

func (slowFixSource) Position(ctx context.Context, opts position.Options) (models.LocationSample, error) {
	if opts.HighAccuracy {
		<-ctx.Done()
		return models.LocationSample{}, ctx.Err()
	}
	return models.LocationSample{Lat: 6.5, Lon: 3.3, CapturedAt: time.Now()}, nil
}

func TestSlowHighAccuracyFixIsReported(t *testing.T) {
	var c *Controller
	sampler := position.NewSampler(slowFixSource{}, position.Config{
		Tiers: []position.Tier{
			{Name: "high", Options: position.Options{HighAccuracy: true, Timeout: 10 * time.Millisecond}},
			{Name: "balanced", Options: position.Options{Timeout: time.Second}},
		},
		Interval:      time.Hour,
		OnTierFailure: func(e *position.Error) { c.TierFailed(e) },
	}, logging.Discard())
	c, relay, notes := newPatient(t, Config{Positions: sampler})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))

	require.Eventually(t, func() bool { return len(notes.kinds(KindLocationSlow)) == 1 }, 2*time.Second, time.Millisecond)
	n := notes.kinds(KindLocationSlow)[0]
	assert.Equal(t, "r1", n.RequestID)
	assert.Contains(t, n.Message, "taking longer than expected")
	assert.ErrorIs(t, n.Err, position.ErrTimeout)

	// the balanced fix still goes out
	require.Eventually(t, func() bool { return len(relay.of(models.TypeLocationUpdate)) == 1 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, notes.kinds(KindLocationError))
}

func TestTierFailedIgnoresLaterTiers(t *testing.T) {
	watcher := &fakeWatcher{perm: position.PermissionGranted}
	c, _, notes := newPatient(t, Config{Positions: watcher})
	_, err := c.CreateRequest(models.EmergencyRequest{ID: "r1"})
	require.NoError(t, err)
	c.Handle(envelope(t, models.TypeAcceptRequest, models.AcceptPayload{RequestID: "r1", Driver: ambulanceDriver}))
	require.Eventually(t, watcher.active, time.Second, time.Millisecond)

	c.TierFailed(&position.Error{Tier: "balanced", Err: position.ErrTimeout})
	c.TierFailed(&position.Error{Tier: "high", First: true, Err: position.ErrPositionUnavailable})
	assert.Empty(t, notes.kinds(KindLocationSlow))

	c.TierFailed(&position.Error{Tier: "high", First: true, Err: position.ErrTimeout})
	assert.Len(t, notes.kinds(KindLocationSlow), 1)
}

func TestTransitionTable(t *testing.T) {
	forward := models.ForwardStatuses()
	for i := 0; i+1 < len(forward); i++ {
		changed, err := Transition(forward[i], forward[i+1])
		require.NoError(t, err, "%s -> %s", forward[i], forward[i+1])
		assert.True(t, changed)
	}
	for _, s := range forward[:len(forward)-1] {
		_, err := Transition(s, models.StatusCancelled)
		assert.NoError(t, err, "%s -> cancelled", s)
	}
	for _, s := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		for _, target := range forward {
			if target == s {
				continue
			}
			_, err := Transition(s, target)
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", s, target)
		}
	}
	_, err := Transition(models.StatusAlmostThere, models.StatusOnTheWay)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = Transition(models.StatusPending, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	changed, err := Transition(models.StatusOnTheWay, models.StatusOnTheWay)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFarePriceNeverNegative(t *testing.T) {
	f := DefaultFares()
	assert.Equal(t, 20.0, f.Price("unknown", -5, -10))
	assert.Equal(t, 35.0+2*30+10, f.Price("advanced", 2, 10))
	assert.Zero(t, Fares{DefaultBase: -100}.Price("", 0, 0))
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/relay"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu    sync.Mutex
	rides []models.Ride
	err   error
}

func (p *recordingPublisher) PublishRide(_ context.Context, r models.Ride) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rides = append(p.rides, r)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []models.RideStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RideStatus, 0, len(p.rides))
	for _, r := range p.rides {
		out = append(out, r.Status)
	}
	return out
}

type fixture struct {
	url       string
	hub       *relay.Hub
	store     *storage.MemoryStore
	events    *recordingPublisher
	positions *geo.Index
}

func newFixture(t *testing.T, secret string, checks ...Check) *fixture {
	t.Helper()
	f := &fixture{
		hub:       relay.NewHub(logging.Discard()),
		store:     storage.NewMemoryStore(),
		events:    &recordingPublisher{},
		positions: geo.NewIndex(),
	}
	srv := httptest.NewServer(NewServer(Deps{
		Hub:        f.hub,
		Auth:       auth.NewVerifier(secret),
		Rides:      f.store,
		Events:     f.events,
		Positions:  f.positions,
		Checks:     checks,
		SendBuffer: 16,
		ReadLimit:  1 << 16,
	}, logging.Discard()))
	t.Cleanup(func() {
		f.hub.Close()
		srv.Close()
	})
	f.url = srv.URL
	return f
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRideStartAndCompletion(t *testing.T) {
	f := newFixture(t, "")
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	start := models.RideStart{
		RequesterID:   "p1",
		DriverID:      "dA",
		AmbulanceType: "basic",
		Pickup:        models.Coord{Lat: 6.52, Lon: 3.37},
		StartedAt:     started,
	}

	resp := postJSON(t, f.url+"/ride/r1/start", start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ride models.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ride))
	assert.Equal(t, models.RideStarted, ride.Status)
	assert.Equal(t, "dA", ride.DriverID)

	done := models.RideCompletion{
		RideStart:   start,
		Dropoff:     models.Coord{Lat: 6.6, Lon: 3.4},
		DistanceKm:  9.1,
		DurationMin: 30,
		Fare:        323,
		CompletedAt: started.Add(30 * time.Minute),
	}
	resp = postJSON(t, f.url+"/ride/r1/complete", done)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(f.url + "/ride/r1")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	require.NoError(t, json.NewDecoder(get.Body).Decode(&ride))
	assert.Equal(t, models.RideCompleted, ride.Status)
	assert.Equal(t, 323.0, ride.Fare)

	assert.Equal(t, []models.RideStatus{models.RideStarted, models.RideCompleted}, f.events.statuses())
}

func TestRideCompletionRejectsNegativeFare(t *testing.T) {
	f := newFixture(t, "")
	resp := postJSON(t, f.url+"/ride/r1/complete", models.RideCompletion{Fare: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.events.statuses())
}

func TestRideRecordSurvivesEventFailure(t *testing.T) {
	f := newFixture(t, "")
	f.events.mu.Lock()
	f.events.err = errors.New("broker down")
	f.events.mu.Unlock()
	resp := postJSON(t, f.url+"/ride/r1/start", models.RideStart{DriverID: "dA"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := f.store.GetRide(context.Background(), "r1")
	assert.NoError(t, err)
}

func TestUnknownRideIsNotFound(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.url + "/ride/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRideEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	resp, err := http.Get(f.url + "/ride/r1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Sign("s3cret", models.Identity{ID: "p1", Role: models.RolePatient}, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, f.url+"/ride/r1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPositionsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.url + "/api/v1/requests/r1/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, f.positions.Upsert(context.Background(), models.LocationSample{RequestID: "r1", Role: models.RoleDriver, Lat: 6.6, Lon: 3.4}))
	resp, err = http.Get(f.url + "/api/v1/requests/r1/positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		RequestID string                                `json:"requestId"`
		Positions map[models.Role]models.LocationSample `json:"positions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "r1", body.RequestID)
	assert.Equal(t, 6.6, body.Positions[models.RoleDriver].Lat)
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	healthy := newFixture(t, "", Check{Name: "store", Ping: func(context.Context) error { return nil }})
	resp, err := http.Get(healthy.url + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newFixture(t, "", Check{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }})
	resp, err = http.Get(broken.url + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func dialRelay(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.url, "http")+"/ws?"+query, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketRelaysBetweenParties(t *testing.T) {
	f := newFixture(t, "")
	patient := dialRelay(t, f, "user=p1&role=patient")
	driver := dialRelay(t, f, "user=dA&role=driver")
	require.Eventually(t, func() bool { return f.hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	env, err := models.NewEnvelope(models.TypeNewRequest, models.EmergencyRequest{ID: "r1", Location: "Main St", Status: models.StatusPending})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, patient.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, driver.SetReadDeadline(time.Now().Add(time.Second)))
	_, got, err := driver.ReadMessage()
	require.NoError(t, err)
	parsed, err := models.ParseEnvelope(got)
	require.NoError(t, err)
	assert.Equal(t, models.TypeNewRequest, parsed.Type)
}

func TestWebsocketRequiresIdentity(t *testing.T) {
	f := newFixture(t, "")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.url, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// countingRelay wraps a hub and counts dispatched frames.
type countingRelay struct {
	*relay.Hub
	mu     sync.Mutex
	frames int
}

func (c *countingRelay) Dispatch(from *relay.Session, raw []byte) error {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return c.Hub.Dispatch(from, raw)
}

func (c *countingRelay) dispatched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func TestWebsocketServesAnyRelay(t *testing.T) {
	hub := relay.NewHub(logging.Discard())
	counting := &countingRelay{Hub: hub}
	srv := httptest.NewServer(NewServer(Deps{Hub: counting, SendBuffer: 16, ReadLimit: 1 << 16}, logging.Discard()))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	f := &fixture{url: srv.URL, hub: hub}
	patient := dialRelay(t, f, "user=p1&role=patient")
	driver := dialRelay(t, f, "user=dA&role=driver")
	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	env, err := models.NewEnvelope(models.TypeCancelRequest, models.CancelPayload{RequestID: "r1"})
	require.NoError(t, err)
	require.NoError(t, patient.WriteJSON(env))

	require.NoError(t, driver.SetReadDeadline(time.Now().Add(time.Second)))
	_, got, err := driver.ReadMessage()
	require.NoError(t, err)
	parsed, err := models.ParseEnvelope(got)
	require.NoError(t, err)
	assert.Equal(t, models.TypeCancelRequest, parsed.Type)
	assert.Equal(t, 1, counting.dispatched())
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, "")
	req, err := http.NewRequest(http.MethodGet, f.url+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(f.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

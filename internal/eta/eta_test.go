package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

type fakeProvider struct {
	calls int
	err   error
	route Route
}

func (f *fakeProvider) Route(ctx context.Context, from, to models.Coord, opts Options) (Route, error) {
	f.calls++
	if f.err != nil {
		return Route{}, f.err
	}
	return f.route, nil
}

var (
	origin = models.Coord{Lat: 6.5244, Lon: 3.3792}
	dest   = models.Coord{Lat: 6.6018, Lon: 3.3515}
)

func TestFallbackWithoutProvider(t *testing.T) {
	e := NewEstimator(nil, nil, 0, nil)
	r := e.GetRoute(context.Background(), origin, dest, Options{})
	assert.True(t, r.Fallback)
	require.Greater(t, r.DistanceKm, 0.0)
	// 40 km/h means minutes = km * 1.5
	assert.InDelta(t, r.DistanceKm*1.5, r.DurationMin, 1e-9)
}

func TestProviderFailureFallsBackAndIsNotCached(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	cache := NewCache(time.Hour)
	e := NewEstimator(p, cache, 40, nil)
	r := e.GetRoute(context.Background(), origin, dest, Options{})
	assert.True(t, r.Fallback)
	_, ok := cache.GetCachedRoute(RouteKey(origin, dest))
	assert.False(t, ok)
}

func TestProviderResultIsCached(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 9.1, DurationMin: 17}}
	e := NewEstimator(p, NewCache(time.Hour), 40, nil)
	ctx := context.Background()
	first := e.GetRoute(ctx, origin, dest, Options{})
	second := e.GetRoute(ctx, origin, dest, Options{})
	assert.Equal(t, 1, p.calls)
	assert.False(t, first.Fallback)
	assert.Equal(t, first.DistanceKm, second.DistanceKm)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.CacheRoute("k", Route{DistanceKm: 1, CachedAt: now.Add(-3601 * time.Second)}))
	_, ok := c.GetCachedRoute("k")
	assert.False(t, ok)

	require.NoError(t, c.CacheRoute("k2", Route{DistanceKm: 1, CachedAt: now.Add(-time.Minute)}))
	_, ok = c.GetCachedRoute("k2")
	assert.True(t, ok)
}

func TestChainBackfillsFasterLevel(t *testing.T) {
	fast, slow := NewCache(time.Hour), NewCache(time.Hour)
	require.NoError(t, slow.CacheRoute("k", Route{DistanceKm: 3}))
	ch := Chain{fast, slow}
	r, ok := ch.GetCachedRoute("k")
	require.True(t, ok)
	assert.Equal(t, 3.0, r.DistanceKm)
	_, ok = fast.GetCachedRoute("k")
	assert.True(t, ok)
}

func TestOSRMClientParsesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":12000,"duration":900,"geometry":{"type":"LineString","coordinates":[]},
			"legs":[{"steps":[{"distance":500,"duration":60,"name":"Main St","maneuver":{"type":"turn","modifier":"left"}}]}]}]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, "secret", time.Second)
	r, err := c.Route(context.Background(), origin, dest, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 12.0, r.DistanceKm, 1e-9)
	assert.InDelta(t, 15.0, r.DurationMin, 1e-9)
	require.Len(t, r.Instructions, 1)
	assert.Equal(t, "turn left onto Main St", r.Instructions[0].Text)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL, "", time.Second).Route(context.Background(), origin, dest, Options{})
	assert.Error(t, err)
}

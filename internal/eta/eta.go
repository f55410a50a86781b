package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

const (
	DefaultSpeedKmh = 40.0
	DefaultTTL      = time.Hour
)

type Instruction struct {
	Text       string  `json:"text"`
	DistanceKm float64 `json:"distanceKm"`
	DurationS  float64 `json:"durationS"`
}

// Route is a distance/duration estimate between two coordinates.
type Route struct {
	DistanceKm   float64         `json:"distance"`
	DurationMin  float64         `json:"duration"`
	Geometry     json.RawMessage `json:"geometry,omitempty"`
	Instructions []Instruction   `json:"instructions,omitempty"`
	Fallback     bool            `json:"fallback"`
	CachedAt     time.Time       `json:"cachedAt"`
}

type Options struct {
	Profile   string
	SkipCache bool
}

// Provider is an external routing engine.
type Provider interface {
	Route(ctx context.Context, from, to models.Coord, opts Options) (Route, error)
}

// RouteCache stores provider results by coordinate-pair key.
type RouteCache interface {
	GetCachedRoute(key string) (Route, bool)
	CacheRoute(key string, r Route) error
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]Route
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: make(map[string]Route), ttl: ttl, now: time.Now}
}

// RouteKey is the cache key for a coordinate pair.
func RouteKey(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// GetCachedRoute returns the cached route if present and not expired.
func (c *Cache) GetCachedRoute(k string) (Route, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.CachedAt) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e, true
}

func (c *Cache) CacheRoute(k string, r Route) error {
	if r.CachedAt.IsZero() {
		r.CachedAt = c.now()
	}
	c.mu.Lock()
	c.store[k] = r
	c.mu.Unlock()
	return nil
}

// Chain consults caches in order and writes through to all of them.
type Chain []RouteCache

func (ch Chain) GetCachedRoute(k string) (Route, bool) {
	for i, c := range ch {
		if r, ok := c.GetCachedRoute(k); ok {
			// backfill the faster levels
			for _, up := range ch[:i] {
				_ = up.CacheRoute(k, r)
			}
			return r, true
		}
	}
	return Route{}, false
}

func (ch Chain) CacheRoute(k string, r Route) error {
	var first error
	for _, c := range ch {
		if err := c.CacheRoute(k, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Estimator resolves routes from cache, provider, or a straight-line fallback.
type Estimator struct {
	Provider Provider // optional; nil means always fall back
	Cache    RouteCache
	SpeedKmh float64
	Logger   *slog.Logger
	now      func() time.Time
}

func NewEstimator(p Provider, cache RouteCache, speedKmh float64, logger *slog.Logger) *Estimator {
	if cache == nil {
		cache = NewCache(DefaultTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{Provider: p, Cache: cache, SpeedKmh: speedKmh, Logger: logger, now: time.Now}
}

// GetRoute never fails: provider errors degrade to a haversine estimate
// flagged Fallback.
func (e *Estimator) GetRoute(ctx context.Context, from, to models.Coord, opts Options) Route {
	key := RouteKey(from, to)
	if !opts.SkipCache && e.Cache != nil {
		if r, ok := e.Cache.GetCachedRoute(key); ok {
			observability.RouteLookups.WithLabelValues("cache").Inc()
			return r
		}
	}
	if e.Provider != nil {
		r, err := e.Provider.Route(ctx, from, to, opts)
		if err == nil {
			observability.RouteLookups.WithLabelValues("provider").Inc()
			r.CachedAt = e.now()
			if e.Cache != nil {
				if err := e.Cache.CacheRoute(key, r); err != nil {
					e.Logger.Warn("route cache write failed", "key", key, "error", err)
				}
			}
			return r
		}
		e.Logger.Warn("route provider failed, using straight-line estimate", "error", err)
	}
	observability.RouteLookups.WithLabelValues("fallback").Inc()
	return Fallback(from, to, e.SpeedKmh)
}

// Fallback estimates a route from great-circle distance at a fixed speed.
func Fallback(from, to models.Coord, speedKmh float64) Route {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	d := geo.DistanceKm(from, to)
	return Route{DistanceKm: d, DurationMin: d / speedKmh * 60, Fallback: true}
}

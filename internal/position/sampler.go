// Package position wraps a device location source with tiered accuracy
// fallback and a shared, subscriber-counted watch.
package position

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
	PermissionUnknown Permission = "unknown"
)

type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge is how old a cached fix the source may return.
	MaximumAge time.Duration
}

type Tier struct {
	Name string
	Options
}

// DefaultTiers returns high accuracy, balanced and stale-cache tiers.
func DefaultTiers(high, balanced, cached time.Duration) []Tier {
	return []Tier{
		{Name: "high", Options: Options{HighAccuracy: true, Timeout: high}},
		{Name: "balanced", Options: Options{Timeout: balanced, MaximumAge: time.Minute}},
		{Name: "cached", Options: Options{Timeout: cached, MaximumAge: 10 * time.Minute}},
	}
}

// Source is the device location API.
type Source interface {
	Permission(ctx context.Context) (Permission, error)
	// RequestPermission may block until the user answers a prompt.
	RequestPermission(ctx context.Context) (Permission, error)
	Position(ctx context.Context, opts Options) (models.LocationSample, error)
}

type Config struct {
	Tiers          []Tier
	Interval       time.Duration
	ErrorThreshold int
	// OnTierFailure observes failures of tiers that still have a fallback.
	OnTierFailure func(*Error)
}

type Handle uint64

type subscriber struct {
	onSample func(models.LocationSample)
	onError  func(error)
}

type Sampler struct {
	src    Source
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[Handle]subscriber
	nextID   Handle
	cancel   context.CancelFunc
	lastTier int
	lastFix  *models.LocationSample
	errCount int
}

func NewSampler(src Source, cfg Config, logger *slog.Logger) *Sampler {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers(8*time.Second, 12*time.Second, 5*time.Second)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{src: src, cfg: cfg, logger: logger, subs: make(map[Handle]subscriber)}
}

func (s *Sampler) CheckPermission(ctx context.Context) Permission {
	p, err := s.src.Permission(ctx)
	if err != nil {
		return PermissionUnknown
	}
	return p
}

// RequestPermission prompts if needed. The prompt has no timeout of its own;
// callers bound it with ctx.
func (s *Sampler) RequestPermission(ctx context.Context) (Permission, error) {
	if p := s.CheckPermission(ctx); p == PermissionGranted || p == PermissionDenied {
		return p, nil
	}
	return s.src.RequestPermission(ctx)
}

// CurrentPosition returns the first successful tier's fix or the last error.
func (s *Sampler) CurrentPosition(ctx context.Context) (models.LocationSample, error) {
	fix, _, err := s.attempt(ctx, 0)
	return fix, err
}

// attempt walks the tiers starting at from and reports the tier that
// produced the fix.
func (s *Sampler) attempt(ctx context.Context, from int) (models.LocationSample, int, error) {
	var last error
	for i := from; i < len(s.cfg.Tiers); i++ {
		tier := s.cfg.Tiers[i]
		fix, err := s.tryTier(ctx, tier)
		if err == nil {
			return fix, i, nil
		}
		if ctx.Err() != nil {
			return models.LocationSample{}, i, ctx.Err()
		}
		last = &Error{Tier: tier.Name, First: i == 0, Err: err}
		if errors.Is(err, ErrPermissionDenied) {
			break
		}
		if i < len(s.cfg.Tiers)-1 && s.cfg.OnTierFailure != nil {
			s.cfg.OnTierFailure(last.(*Error))
		}
	}
	return models.LocationSample{}, from, last
}

func (s *Sampler) tryTier(ctx context.Context, tier Tier) (models.LocationSample, error) {
	tctx := ctx
	if tier.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
	}
	fix, err := s.src.Position(tctx, tier.Options)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return models.LocationSample{}, ErrTimeout
		}
		return models.LocationSample{}, err
	}
	if fix.CapturedAt.IsZero() {
		fix.CapturedAt = time.Now()
	}
	return fix, nil
}

// StartWatch subscribes to periodic fixes. All subscribers share one
// polling loop.
func (s *Sampler) StartWatch(onSample func(models.LocationSample), onError func(error)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := s.nextID
	s.subs[h] = subscriber{onSample: onSample, onError: onError}
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.errCount = 0
		go s.loop(ctx)
	}
	return h
}

// StopWatch removes a subscriber; the loop stops with the last one.
func (s *Sampler) StopWatch(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, h)
	if len(s.subs) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Watching reports whether the underlying loop is running.
func (s *Sampler) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// LastFix returns the most recent successful fix.
func (s *Sampler) LastFix() (models.LocationSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFix == nil {
		return models.LocationSample{}, false
	}
	return *s.lastFix, true
}

func (s *Sampler) loop(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if !s.tick(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// tick runs one watch attempt and reports whether the loop should go on.
func (s *Sampler) tick(ctx context.Context) bool {
	s.mu.Lock()
	from := s.lastTier
	s.mu.Unlock()

	fix, tier, err := s.attempt(ctx, from)
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	subs := make([]subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	if err == nil {
		s.lastTier = tier
		s.errCount = 0
		f := fix
		s.lastFix = &f
		s.mu.Unlock()
		for _, sub := range subs {
			if sub.onSample != nil {
				sub.onSample(fix)
			}
		}
		return true
	}

	if errors.Is(err, ErrPermissionDenied) {
		s.cancel()
		s.cancel = nil
		s.mu.Unlock()
		s.logger.Warn("location watch stopped", "error", err)
		emitError(subs, err)
		return false
	}

	s.errCount++
	var cached *models.LocationSample
	if s.errCount >= s.cfg.ErrorThreshold && s.lastFix != nil {
		c := *s.lastFix
		c.Stale = true
		cached = &c
	}
	count := s.errCount
	s.mu.Unlock()

	if cached != nil {
		s.logger.Debug("re-emitting last known fix", "consecutive_errors", count)
		for _, sub := range subs {
			if sub.onSample != nil {
				sub.onSample(*cached)
			}
		}
		return true
	}
	emitError(subs, err)
	return true
}

func emitError(subs []subscriber, err error) {
	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

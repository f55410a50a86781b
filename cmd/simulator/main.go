// Command simulator runs one patient or driver client against a relay. The
// patient raises a request and waits for completion; the driver accepts the
// first offer and walks it through the ride states.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/hubclient"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/offline"
	"github.com/example/ambulance-dispatch/internal/position"
	"github.com/example/ambulance-dispatch/internal/rides"
)

type flags struct {
	lat, lon      float64
	stepKm        float64
	advanceEvery  time.Duration
	location      string
	ambulanceType string
	once          bool
}

func main() {
	var f flags
	flag.Float64Var(&f.lat, "lat", 6.5244, "starting latitude")
	flag.Float64Var(&f.lon, "lon", 3.3792, "starting longitude")
	flag.Float64Var(&f.stepKm, "step-km", 0.2, "distance the driver covers per fix")
	flag.DurationVar(&f.advanceEvery, "advance-every", 20*time.Second, "driver status step interval")
	flag.StringVar(&f.location, "location", "Main St", "patient pickup description")
	flag.StringVar(&f.ambulanceType, "ambulance-type", "basic", "requested ambulance class")
	flag.BoolVar(&f.once, "once", true, "exit after the first request finishes")
	flag.Parse()

	cfg, err := config.LoadClientConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	logger = logger.With("role", cfg.Role, "user_id", cfg.UserID)

	if err := run(cfg, f, logger); err != nil {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, f flags, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, finish := context.WithCancel(ctx)
	defer finish()

	identity := models.Identity{ID: cfg.UserID, Role: models.Role(cfg.Role)}

	store, err := offline.Open(cfg.OfflineDBPath, offline.Options{RouteTTL: cfg.RouteTTL, Retention: cfg.OfflineRetention, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	wsURL, err := relayURL(cfg, identity)
	if err != nil {
		return err
	}
	client := hubclient.New(hubclient.Config{
		URL:               wsURL,
		Token:             cfg.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}, logger.With("component", "hubclient"))
	defer client.Close()

	store.Attach(client)
	client.OnConnectionChange(func(ev hubclient.ConnectionEvent) {
		if ev.Err != nil {
			logger.Error("relay unreachable, working offline", "error", ev.Err)
		}
		if err := store.SetOnline(ctx, ev.Connected); err != nil {
			logger.Warn("offline replay stopped", "error", err)
		}
	})

	stepKm := 0.0
	if identity.Role == models.RoleDriver {
		stepKm = f.stepKm
	}
	src := newSimSource(models.Coord{Lat: f.lat, Lon: f.lon}, stepKm)
	// the watch only starts once ctrl exists
	var ctrl *lifecycle.Controller
	sampler := position.NewSampler(src, position.Config{
		Tiers:          position.DefaultTiers(cfg.HighAccuracyTimeout, cfg.BalancedTimeout, cfg.CachedTimeout),
		Interval:       cfg.WatchInterval,
		ErrorThreshold: cfg.WatchErrorThreshold,
		OnTierFailure:  func(e *position.Error) { ctrl.TierFailed(e) },
	}, logger.With("component", "position"))

	var provider eta.Provider
	if cfg.OSRMEndpoint != "" {
		provider = eta.NewOSRMClient(cfg.OSRMEndpoint, cfg.OSRMAPIKey, cfg.RouteTimeout)
	}
	estimator := eta.NewEstimator(provider, eta.Chain{eta.NewCache(cfg.RouteTTL), store}, cfg.AvgSpeedKmh, logger.With("component", "eta"))

	lc := lifecycle.Config{
		Identity:        identity,
		Relay:           client,
		Positions:       sampler,
		Routes:          estimator,
		Offline:         store,
		PermissionDelay: cfg.PermissionRequestDelay,
		Logger:          logger,
	}
	if identity.Role == models.RoleDriver {
		lc.Driver = &models.DriverSummary{
			ID:                  identity.ID,
			Name:                "Sim Driver " + identity.ID[:min(6, len(identity.ID))],
			Phone:               "+2340000000000",
			VehicleID:           "sim-" + identity.ID,
			VehicleType:         f.ambulanceType,
			VehicleRegistration: "SIM-001",
		}
	} else {
		// the patient side writes the ride record milestones
		lc.Recorder = rides.NewClient(cfg.RideAPIURL, cfg.Token, 10*time.Second)
		lc.RecordsRides = true
	}
	ctrl, err = lifecycle.New(lc)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	for _, t := range lifecycle.HandledTypes {
		client.Subscribe(t, ctrl.Handle)
	}
	ctrl.OnNotify(func(n lifecycle.Notification) {
		observe(ctx, n, identity.Role, ctrl, src, logger)
		if f.once && (n.Kind == lifecycle.KindCompleted || (n.Kind == lifecycle.KindStatus && n.Request.Status == models.StatusCancelled)) {
			finish()
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunSweeper(gctx, cfg.OfflineSweepEvery)
		return nil
	})
	if identity.Role == models.RolePatient {
		req, err := ctrl.CreateRequest(models.EmergencyRequest{
			Location:      f.location,
			Coord:         &models.Coord{Lat: f.lat, Lon: f.lon},
			Category:      "medical",
			AmbulanceType: f.ambulanceType,
		})
		if err != nil {
			return err
		}
		logger.Info("emergency request raised", "request_id", req.ID)
	} else {
		g.Go(func() error {
			drive(gctx, ctrl, f.advanceEvery, logger)
			return nil
		})
	}
	return g.Wait()
}

// relayURL adds the identity query parameters an insecure relay expects
// when no token is configured.
func relayURL(cfg config.ClientConfig, id models.Identity) (string, error) {
	if cfg.Token != "" {
		return cfg.RelayURL, nil
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user", id.ID)
	q.Set("role", string(id.Role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func observe(ctx context.Context, n lifecycle.Notification, role models.Role, ctrl *lifecycle.Controller, src *simSource, logger *slog.Logger) {
	log := logger.With("request_id", n.RequestID, "kind", n.Kind)
	switch n.Kind {
	case lifecycle.KindNewRequest:
		if role != models.RoleDriver || ctx.Err() != nil {
			return
		}
		if err := ctrl.Accept(n.RequestID); err != nil {
			log.Warn("accept failed", "error", err)
			return
		}
		if n.Request.Coord != nil {
			src.SetTarget(*n.Request.Coord)
		}
		log.Info("request accepted", "location", n.Request.Location)
	case lifecycle.KindStatus:
		args := []any{"status", n.Request.Status}
		if n.ETA != nil {
			args = append(args, "eta", n.ETA.Format(time.Kitchen))
		}
		if n.Request.Driver != nil {
			args = append(args, "driver", n.Request.Driver.Name)
		}
		log.Info("status changed", args...)
	case lifecycle.KindPeerLocation:
		if n.Peer == nil {
			return
		}
		if role == models.RoleDriver {
			src.SetTarget(n.Peer.Coord())
		}
		log.Debug("counterpart moved", "lat", n.Peer.Lat, "lon", n.Peer.Lon)
	case lifecycle.KindDistance:
		if n.Route != nil {
			log.Info("distance", "km", n.Route.DistanceKm, "minutes", n.Route.DurationMin, "fallback", n.Route.Fallback)
		}
	case lifecycle.KindCompleted:
		if c := n.Completion; c != nil {
			log.Info("ride completed", "distance_km", c.DistanceKm, "duration_min", c.DurationMin, "fare", c.Fare)
		}
	case lifecycle.KindLocationSlow:
		log.Info(n.Message, "error", n.Err)
	case lifecycle.KindPermissionDenied, lifecycle.KindLocationError:
		log.Warn(n.Message, "error", n.Err)
	default:
		log.Debug("notification")
	}
}

// drive advances every assigned request one state per tick.
func drive(ctx context.Context, ctrl *lifecycle.Controller, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, id := range ctrl.Tracked() {
			v, ok := ctrl.View(id)
			if !ok || v.Request.Status == models.StatusPending {
				continue
			}
			next, err := ctrl.Advance(id)
			if err != nil {
				logger.Warn("advance failed", "request_id", id, "error", err)
				continue
			}
			logger.Info("advanced", "request_id", id, "status", next)
		}
	}
}

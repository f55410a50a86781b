package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/relay"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		checks    []httpapi.Check
		hubOpts   []relay.HubOption
		positions geo.Positions
	)

	// redis carries cross-instance fan-out and last-known positions
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		hubOpts = append(hubOpts, relay.WithBus(relay.NewRedisBus(rc, cfg.RedisRelayChannel, logger)))
		positions = geo.NewRedisPositions(rc, cfg.RedisGeoKey, cfg.PositionTTL)
		checks = append(checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
	} else {
		positions = geo.NewIndex()
	}

	// with kafka configured the consumer owns position writes
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		hubOpts = append(hubOpts, relay.WithLocationTap(kp))
	} else {
		hubOpts = append(hubOpts, relay.WithLocationTap(relay.PositionsTap{Positions: positions}))
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, using memory ride store", "error", err)
		} else {
			defer ps.Close()
			if cfg.RunMigrations {
				if err := ps.Migrate(ctx); err != nil {
					return err
				}
				logger.Info("migrations applied")
			}
			store = ps
			checks = append(checks, httpapi.Check{Name: "postgres", Ping: ps.Ping})
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		rp, err := events.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, ride events disabled", "error", err)
		} else {
			publisher = rp
			checks = append(checks, httpapi.Check{Name: "rabbitmq", Ping: func(context.Context) error {
				if !rp.IsAlive() {
					return events.ErrConnClosed
				}
				return nil
			}})
		}
	}
	defer publisher.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier.Insecure() {
		logger.Warn("JWT_SECRET not set, identities are taken from query parameters")
	}

	hub := relay.NewHub(logger, hubOpts...)
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Hub:        hub,
			Auth:       verifier,
			Rides:      store,
			Events:     publisher,
			Positions:  positions,
			Checks:     checks,
			SendBuffer: cfg.RelaySendBuffer,
			ReadLimit:  cfg.RelayReadLimit,
		}, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("relay listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

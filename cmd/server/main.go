package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/speedyvan/dispatch/internal/assign"
	"github.com/speedyvan/dispatch/internal/auth"
	"github.com/speedyvan/dispatch/internal/config"
	"github.com/speedyvan/dispatch/internal/dispatch"
	"github.com/speedyvan/dispatch/internal/eta"
	"github.com/speedyvan/dispatch/internal/geo"
	httpapi "github.com/speedyvan/dispatch/internal/http"
	"github.com/speedyvan/dispatch/internal/ingest"
	"github.com/speedyvan/dispatch/internal/logging"
	"github.com/speedyvan/dispatch/internal/matcher"
	"github.com/speedyvan/dispatch/internal/payments"
	"github.com/speedyvan/dispatch/internal/reaper"
	"github.com/speedyvan/dispatch/internal/settings"
	"github.com/speedyvan/dispatch/internal/storage"
)

const modeKey = "dispatch:mode"

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "dispatch-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	var (
		store storage.Store
		ready func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		store, ready = ps, ps.Ping
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		locator geo.Locator
		modes   settings.Store
	)
	initialMode, err := settings.ParseMode(cfg.DispatchMode)
	if err != nil {
		return err
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		modes = settings.NewRedisStore(rc, modeKey, initialMode)
		pgReady := ready
		ready = func(ctx context.Context) error {
			if pgReady != nil {
				if err := pgReady(ctx); err != nil {
					return err
				}
			}
			return rc.Ping(ctx).Err()
		}
	} else {
		locator = geo.NewIndex()
		modes = settings.NewMemoryStore(initialMode)
	}

	hub := dispatch.NewWSHub(logger.Named("ws"))
	sinks := dispatch.Fanout{hub}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
		events := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		sinks = append(sinks, events)
	}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}
	notifier := dispatch.NewNotifier(sinks, logger.Named("notify"))

	var verifier payments.Verifier = payments.AcceptAll{}
	if cfg.StripeAPIKey != "" {
		verifier = payments.NewStripeVerifier(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, booking confirmation skips payment checks")
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	criteria := matcher.DefaultCriteria()
	criteria.MaxDistanceKm = cfg.MaxDistanceKm
	criteria.MinRating = cfg.MinRating
	criteria.MaxCurrentJobs = cfg.MaxCurrentJobs
	assignCfg := assign.DefaultConfig()
	assignCfg.Criteria = criteria
	assignCfg.OfferWindow = cfg.OfferWindow

	svc := assign.NewService(assign.Deps{
		Store:    store,
		Locator:  locator,
		ETA:      estimator,
		Notifier: notifier,
		Settings: modes,
		Payments: verifier,
		Logger:   logger.Named("assign"),
	}, assignCfg)

	reaperCfg := reaper.DefaultConfig()
	reaperCfg.Batch = cfg.ReaperBatch
	reaperCfg.MaxCurrentJobs = cfg.MaxCurrentJobs
	reaperCfg.OfferWindow = cfg.OfferWindow
	rp := reaper.New(store, notifier, logger.Named("reaper"), reaperCfg)
	if cfg.ReaperInterval > 0 {
		go rp.Run(ctx, cfg.ReaperInterval)
		logger.Info("in-process expiry sweep enabled", zap.Duration("interval", cfg.ReaperInterval))
	}

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, admin and driver routes will reject every request")
	}
	if cfg.InsecureCron() {
		logger.Warn("CRON_SECRET uses the insecure default")
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Assign:     svc,
		Reaper:     rp,
		Auth:       auth.NewAuthenticator(cfg.JWTSecret),
		Locator:    locator,
		Locations:  locations,
		Hub:        hub,
		CronSecret: cfg.CronSecret,
		Logger:     logger.Named("http"),
		Ready:      ready,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *zap.Logger) error {
	path := filepath.Join("migrations", "0001_init.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := ps.Migrate(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	logger.Info("migration applied", zap.String("file", path))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/eugener/pylon/internal/admission"
	"github.com/eugener/pylon/internal/app"
	"github.com/eugener/pylon/internal/auth"
	"github.com/eugener/pylon/internal/cache"
	"github.com/eugener/pylon/internal/config"
	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/proxy"
	"github.com/eugener/pylon/internal/queue"
	"github.com/eugener/pylon/internal/ratelimit"
	"github.com/eugener/pylon/internal/server"
	"github.com/eugener/pylon/internal/storage/sqlite"
	"github.com/eugener/pylon/internal/telemetry"
	"github.com/eugener/pylon/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	})))

	slog.Info("starting pylon", "version", version,
		"proxy_addr", cfg.Server.ProxyAddr(), "admin_addr", cfg.Server.AdminAddr())

	// SQLite tolerates a single process at a time; a lock file next to
	// the database turns a second instance into a clean startup error
	// instead of corruption.
	if cfg.Database.DSN != ":memory:" {
		fl := flock.New(cfg.Database.DSN + ".lock")
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("lock database: %w", err)
		}
		if !locked {
			return fmt.Errorf("database %s is in use by another pylon instance", cfg.Database.DSN)
		}
		defer fl.Unlock() //nolint:errcheck
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	polSvc := policy.NewService(store)
	if _, err := polSvc.InitDefaults(ctx); err != nil {
		return err
	}

	bank := ratelimit.NewBank()
	waitQueue := queue.New()
	controller := admission.New(bank, waitQueue, polSvc)
	// A swap that raises limits should let queued waiters through
	// without waiting for the next release.
	polSvc.OnSwap(func(*policy.Policy) { controller.Pump() })

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	adminAuth := auth.NewAdminAuth(cfg.Admin.PasswordHash, cfg.Admin.JWTSecret,
		time.Duration(cfg.Admin.JWTExpireHours)*time.Hour)

	engine := proxy.New(&dnscache.Resolver{}, cfg.DownstreamAuth)

	// Telemetry
	var metrics *telemetry.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
		telemetry.RegisterGauges(registry,
			func() float64 { return float64(bank.Snapshot(time.Now()).GlobalConcurrent) },
			func() float64 { return float64(bank.Snapshot(time.Now()).GlobalSSE) },
			func() float64 { return float64(waitQueue.Len()) },
		)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Background workers
	var onDrop func()
	if metrics != nil {
		onDrop = metrics.RecorderDrops.Inc
	}
	recorder := worker.NewRequestRecorder(store, onDrop)
	runner := worker.NewRunner(
		recorder,
		worker.NewRetentionWorker(store, polSvc),
		worker.NewSweepWorker(bank),
	)

	probeCache, err := cache.New[string](16, 5*time.Second)
	if err != nil {
		return err
	}

	proxyHandler := server.New(server.Deps{
		Auth:       apiKeyAuth,
		Admission:  controller,
		Policy:     polSvc,
		Engine:     engine,
		Queue:      waitQueue,
		Bank:       bank,
		Recorder:   recorder,
		Metrics:    metrics,
		ProbeCache: probeCache,
	})
	adminHandler := server.NewAdmin(server.AdminDeps{
		Auth:     adminAuth,
		Keys:     app.NewKeyManager(store, apiKeyAuth),
		Store:    store,
		Policy:   polSvc,
		Stats:    app.NewStatsService(store),
		Bank:     bank,
		Queue:    waitQueue,
		Registry: registry,
	})

	// Proxied responses may stream for minutes, so the proxy server
	// carries no write timeout; only header reads are bounded.
	proxySrv := &http.Server{
		Addr:              cfg.Server.ProxyAddr(),
		Handler:           proxyHandler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddr(),
		Handler:           adminHandler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		proxyErr := proxySrv.Shutdown(shutdownCtx)
		adminErr := adminSrv.Shutdown(shutdownCtx)
		return errors.Join(proxyErr, adminErr)
	})

	slog.Info("pylon ready",
		"proxy_addr", cfg.Server.ProxyAddr(), "admin_addr", cfg.Server.AdminAddr())

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("pylon stopped")
	return nil
}

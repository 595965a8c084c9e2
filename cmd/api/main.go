// Package main is the entry point for the tiergate API server.
//
// It loads configuration, connects to Postgres, wires the billing, identity
// and summary clients, builds the HTTP server with the core chassis
// (middleware, routing, health checks) and serves until SIGINT or SIGTERM.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"tiergate/internal/api/handlers"
	"tiergate/internal/auth"
	"tiergate/internal/billing"
	"tiergate/internal/config"
	"tiergate/internal/core"
	"tiergate/internal/db"
	"tiergate/internal/external"
	"tiergate/internal/metrics"
	"tiergate/internal/reporting"
	"tiergate/internal/session"
	"tiergate/internal/social"
	"tiergate/internal/subscription"
	"tiergate/internal/types"
)

// refreshFailureWindow and refreshFailureLimit define the burst of recorded
// subscription refresh failures that marks the billing path unhealthy.
const (
	refreshFailureWindow = 5 * time.Minute
	refreshFailureLimit  = 50
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("tiergate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	backend, err := newMetricsBackend(ctx, cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("creating metrics backend: %w", err)
	}

	errorLogs := db.NewErrorLogRepository(pool)
	srv, err := buildServer(cfg, logger, infra{
		roles:    db.NewRoleRepository(pool),
		errorLog: errorLogs,
		recorder: backend.recorder,
		probes: []core.HealthProbe{
			core.NewProbe("database", pool.Ping),
			core.NewReportingProbe("refresh_failures", refreshFailureProbe(errorLogs)),
		},
	})
	if err != nil {
		return err
	}
	srv.MetricsHandler = backend.handler
	srv.MountRoutes()

	g, gctx := errgroup.WithContext(ctx)
	if backend.run != nil {
		g.Go(func() error {
			backend.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return runHTTPServer(gctx, srv, cfg, logger)
	})
	return g.Wait()
}

// infra is everything buildServer takes from the outside world.
type infra struct {
	roles    auth.RoleChecker
	errorLog reporting.ErrorLogWriter
	recorder metrics.Recorder
	probes   []core.HealthProbe
}

// buildServer wires the domain services and handlers into a core.Server.
// Routes are not mounted yet so the caller can still attach a metrics
// handler.
func buildServer(cfg *config.Config, logger *slog.Logger, in infra) (*core.Server, error) {
	recorder := in.recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	reporter := reporting.MultiReporter{
		reporting.NewLogReporter(logger),
	}
	if in.errorLog != nil {
		reporter = append(reporter, reporting.NewStoreReporter(in.errorLog, types.RealClock{}, logger))
	}

	catalog, err := billing.NewStaticCatalog(billing.ProductIDs{
		Starter: cfg.Billing.ProductIDStarter,
		Pro:     cfg.Billing.ProductIDPro,
		Elite:   cfg.Billing.ProductIDElite,
	})
	if err != nil {
		return nil, fmt.Errorf("building tier catalog: %w", err)
	}
	evaluator := billing.NewAccessEvaluator(billing.NewStaticEntitlementTable(), catalog, recorder, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.StripeTimeout},
		catalog,
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger,
		},
	)

	edge := external.NewEdgeFunctionClient(
		&http.Client{Timeout: cfg.Summary.FetchTimeout},
		external.EdgeFunctionConfig{
			ProjectURL: cfg.Supabase.URL,
			AnonKey:    cfg.Supabase.AnonKey,
			Logger:     logger,
		},
	)
	followers := social.NewFollowerService(
		external.NewFollowerFunction(edge, cfg.Supabase.FollowerFunction),
		social.Config{
			TTL:          cfg.Summary.TTL,
			SoftTimeout:  cfg.Summary.SoftTimeout,
			FetchTimeout: cfg.Summary.FetchTimeout,
		},
		reporter,
		recorder,
		logger,
	)

	lookup, err := auth.NewSupabaseLookup(cfg.Supabase.URL, cfg.Supabase.AnonKey)
	if err != nil {
		return nil, fmt.Errorf("creating identity client: %w", err)
	}
	verifier := auth.NewVerifier(lookup, in.roles, cfg.Supabase.TokenCacheTTL, logger)

	deps := session.Deps{
		Source:    stripeClient,
		Reporter:  reporter,
		Evaluator: evaluator,
		Followers: followers,
		Subscription: subscription.Options{
			CacheTTL:        cfg.Subscription.CacheTTL,
			Cooldown:        cooldownOption(cfg.Subscription.RefreshCooldown),
			RecheckInterval: cfg.Subscription.RecheckInterval,
			FetchTimeout:    cfg.Subscription.FetchTimeout,
			Metrics:         recorder,
		},
		Logger: logger,
	}
	sessions := session.NewRegistry(cfg.Session.IdleTimeout, func(id string) *session.Session {
		return session.New(id, deps)
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = recorder
	srv.Authenticator = verifier
	srv.Sessions = sessions
	srv.HealthProbes = append(in.probes, core.NewReportingProbe("stripe", breakerProbe(stripeClient)))

	entitlementsHandler := handlers.NewEntitlementsHandler(catalog, evaluator, sessions, srv.Validator, logger)
	socialHandler := handlers.NewSocialHandler(followers)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		entitlementsHandler.RegisterRoutes,
		socialHandler.RegisterRoutes,
	)
	return srv, nil
}

// cooldownOption maps a configured zero cool-down to the coordinator's
// "disabled" value; a zero Options.Cooldown would select the default.
func cooldownOption(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// breakerStater exposes a circuit breaker's state name.
type breakerStater interface {
	BreakerState() string
}

// breakerProbe reports the Stripe breaker state. An open breaker is
// unhealthy; a half-open one is probing Stripe again and is degraded.
func breakerProbe(b breakerStater) func(context.Context) (core.ProbeReport, error) {
	return func(context.Context) (core.ProbeReport, error) {
		state := b.BreakerState()
		report := core.ProbeReport{
			Degraded: state == "half-open",
			Details:  map[string]any{"breaker_state": state},
		}
		if state == "open" {
			return report, fmt.Errorf("stripe circuit breaker is %s", state)
		}
		return report, nil
	}
}

// refreshFailureCounter counts recorded errors of a category.
type refreshFailureCounter interface {
	CountSince(ctx context.Context, category string, since time.Time) (int64, error)
}

// refreshFailureProbe reports recent subscription refresh failures. Above
// half of refreshFailureLimit the component is degraded; above the limit it
// is unhealthy.
func refreshFailureProbe(counter refreshFailureCounter) func(context.Context) (core.ProbeReport, error) {
	return func(ctx context.Context) (core.ProbeReport, error) {
		n, err := counter.CountSince(ctx, types.ErrorCategorySubscriptionRefresh, time.Now().Add(-refreshFailureWindow))
		if err != nil {
			return core.ProbeReport{}, err
		}
		report := core.ProbeReport{
			Degraded: n > refreshFailureLimit/2,
			Details: map[string]any{
				"failures": n,
				"window":   refreshFailureWindow.String(),
				"limit":    refreshFailureLimit,
			},
		}
		if n > refreshFailureLimit {
			return report, fmt.Errorf("%d subscription refresh failures in the last %s", n, refreshFailureWindow)
		}
		return report, nil
	}
}

// metricsBackend is the configured Recorder plus its optional scrape handler
// and background publisher.
type metricsBackend struct {
	recorder metrics.Recorder
	handler  http.Handler
	run      func(ctx context.Context)
}

func newMetricsBackend(ctx context.Context, cfg config.ObservabilityConfig, logger *slog.Logger) (metricsBackend, error) {
	switch cfg.MetricsBackend {
	case "prometheus":
		rec := metrics.NewPrometheusRecorder(cfg.MetricNamespace)
		return metricsBackend{recorder: rec, handler: rec.Handler()}, nil

	case "cloudwatch":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return metricsBackend{}, fmt.Errorf("loading AWS config: %w", err)
		}
		rec := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger)
		return metricsBackend{
			recorder: rec,
			run: func(ctx context.Context) {
				rec.Run(ctx, cfg.FlushInterval)
			},
		}, nil

	default:
		return metricsBackend{recorder: metrics.Noop{}}, nil
	}
}

// runHTTPServer serves until ctx ends, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

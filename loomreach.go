// Package loomreach is the public API for embedding the Loomreach AI
// orchestration gateway.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := loomreach.New(
//	    loomreach.WithVersion(version),
//	    loomreach.WithLogger(logger),
//	    loomreach.WithRunHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: loomreach (root) imports
// internal/*, but internal/* never imports loomreach (root). Public types
// (RunEvent) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of the
// boundary.
package loomreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/loomreach/loomreach/internal/billing"
	"github.com/loomreach/loomreach/internal/config"
	"github.com/loomreach/loomreach/internal/gateway"
	"github.com/loomreach/loomreach/internal/invoker"
	"github.com/loomreach/loomreach/internal/ledger"
	"github.com/loomreach/loomreach/internal/pricing"
	"github.com/loomreach/loomreach/internal/quota"
	"github.com/loomreach/loomreach/internal/routing"
	"github.com/loomreach/loomreach/internal/server"
	"github.com/loomreach/loomreach/internal/spool"
	"github.com/loomreach/loomreach/internal/storage"
	"github.com/loomreach/loomreach/internal/telemetry"
	"github.com/loomreach/loomreach/migrations"
)

// App is the Loomreach server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	led          ledger.Ledger
	spl          *spool.Spool
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Loomreach server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("loomreach starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Usage ledger: Postgres-backed by default, overridable for tests and
	// single-process deployments.
	var led ledger.Ledger = db
	if o.ledger != nil {
		led = &ledgerAdapter{l: o.ledger}
	}

	// Persistence spool (best-effort durable buffer for store failures).
	var spl *spool.Spool
	if cfg.SpoolPath != "" {
		spl, err = spool.Open(cfg.SpoolPath, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("spool: %w", err)
		}
		logger.Info("spool: enabled", "path", cfg.SpoolPath)
	} else {
		logger.Warn("spool: disabled, failed persistence writes will be dropped")
	}

	// Model invoker: an external override takes priority.
	var inv invoker.Invoker
	if o.invoker != nil {
		inv = &modelInvokerAdapter{inv: o.invoker}
	} else {
		inv = invoker.NewOpenAI(cfg.ModelAPIBaseURL, cfg.ModelAPIKey)
	}

	billingSvc, err := billing.New(led, billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		PriceIDGrowth: cfg.StripePriceGrowth,
		PriceIDScale:  cfg.StripePriceScale,
	}, logger)
	if err != nil {
		closeAll(db, spl)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("billing: %w", err)
	}
	if billingSvc.Enabled() {
		logger.Info("billing: stripe enabled")
	} else {
		logger.Info("billing: disabled (no STRIPE_SECRET_KEY)")
	}

	// Adapt public run hooks to the internal hook interface.
	var hooks []gateway.RunHook
	for _, h := range o.runHooks {
		hooks = append(hooks, &runHookAdapter{hook: h})
	}

	var spooler gateway.Spooler
	if spl != nil {
		spooler = spl
	}

	gw := gateway.New(gateway.Deps{
		Routes:    routing.NewTable(),
		Policy:    quota.NewPolicy(led, logger),
		Ledger:    led,
		Invoker:   inv,
		Estimator: pricing.NewEstimator(),
		Store:     db,
		Spool:     spooler,
		Hooks:     hooks,
		Logger:    logger,
	})

	var spoolStats server.SpoolStats
	if spl != nil {
		spoolStats = spl
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		Gateway:             gw,
		Store:               db,
		Pinger:              db,
		Ledger:              led,
		BillingSvc:          billingSvc,
		Spool:               spoolStats,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	srv := server.New(server.ServerConfig{
		Handlers:     handlers,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ExtraRoutes:  o.extraRoutes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		led:          led,
		spl:          spl,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the spool drainer and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.spl != nil {
		g.Go(func() error {
			return a.spl.RunDrainer(gctx, a.db, a.cfg.SpoolDrainInterval)
		})
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(httpCtx)
	})

	err := g.Wait()
	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains the spool one final time, then releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("loomreach shutting down")

	if a.spl != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if n, err := a.spl.Drain(drainCtx, a.db); err != nil {
			a.logger.Warn("final spool drain incomplete", "error", err, "landed", n)
		} else if n > 0 {
			a.logger.Info("final spool drain complete", "landed", n)
		}
		cancel()
		_ = a.spl.Close()
	}

	a.db.Close()
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown error", "error", err)
	}

	a.logger.Info("loomreach stopped")
	return nil
}

func closeAll(db *storage.DB, spl *spool.Spool) {
	if spl != nil {
		_ = spl.Close()
	}
	db.Close()
}

package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/pricing"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/internal/httpapi"
	"github.com/strandworks/storefront/internal/intake"
	"github.com/strandworks/storefront/internal/notify"
	"github.com/strandworks/storefront/internal/storage/postgres"
	"github.com/strandworks/storefront/pkg/health"
	"github.com/strandworks/storefront/pkg/httpmiddleware"
	"github.com/strandworks/storefront/pkg/ratelimit"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabasePingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Stores.
	catalogRepo := postgres.NewCatalogRepository(pool)
	inventoryStore := postgres.NewInventoryStore(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	referralStore := postgres.NewReferralStore(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Intake pipeline collaborators.
	rlCfg := ratelimit.DefaultConfig("checkout")
	if cfg.RateLimit.Max > 0 {
		rlCfg.Max = cfg.RateLimit.Max
	}
	if cfg.RateLimit.Window > 0 {
		rlCfg.Window = cfg.RateLimit.Window
	}
	limiter := ratelimit.New(rlCfg)
	limiter.StartCleanup(ctx)

	engine := pricing.NewEngine(pricing.Config{
		Breaks:                 cfg.Pricing.Breaks,
		PoolingExemptProductID: cfg.Pricing.ExemptProductID,
	})
	ledger := inventory.NewLedger(inventoryStore)
	resolver := referral.NewResolver(referralStore)
	notifier := notify.NewLogNotifier(lg.Named("notify"))

	intakeSvc := intake.NewService(
		catalogRepo, engine, limiter, resolver, ledger, orderRepo, notifier,
		lg.Named("intake"),
	)

	// HTTP surface.
	api := httpapi.NewHandler(
		intakeSvc, orderRepo, ledger, referralStore, inventoryStore,
		apikeyRepo, []byte(cfg.APIKeyPepper),
		lg.Named("http"),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-Api-Key"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

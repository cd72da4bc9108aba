package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/events"
	"github.com/xenking/foodstore/internal/gateway"
	"github.com/xenking/foodstore/internal/handler"
	"github.com/xenking/foodstore/internal/idempotency"
	"github.com/xenking/foodstore/internal/storage/postgres"
	"github.com/xenking/foodstore/pkg/health"
	"github.com/xenking/foodstore/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("currency", cfg.Currency),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	gw, err := gateway.New(gateway.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		KeyID:     cfg.Gateway.KeyID,
		KeySecret: cfg.Gateway.KeySecret,
		Timeout:   cfg.Gateway.Timeout,
	}, gateway.WithTelemetry(m.TracerProvider(), m.MeterProvider()))
	if err != nil {
		return errors.Wrap(err, "create gateway client")
	}

	var publisher order.EventPublisher = events.Nop{}
	if cfg.Events.QueueURL != "" {
		p, err := events.NewSQSPublisher(ctx, cfg.Events.Region, cfg.Events.QueueURL)
		if err != nil {
			return errors.Wrap(err, "create event publisher")
		}
		publisher = p
		lg.Info("Publishing order events", zap.String("queue", cfg.Events.QueueURL))
	}

	orderService := order.NewService(
		productRepo,
		coupon.NewRepoValidator(couponRepo),
		orderRepo,
		gw,
		order.WithCurrency(cfg.Currency),
		order.WithIntentTimeout(cfg.Gateway.Timeout),
		order.WithEvents(publisher),
		order.WithTelemetry(m.TracerProvider(), m.MeterProvider()),
	)

	var handlerOpts []handler.Option
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		handlerOpts = append(handlerOpts, handler.WithIdempotency(
			idempotency.NewRedisStore(rdb, cfg.Redis.IdempotencyTTL, cfg.Redis.LockTTL),
		))
		lg.Info("Checkout idempotency enabled", zap.String("redis", cfg.Redis.Addr))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.New(
		handler.Config{ImageBaseURL: cfg.ImageBaseURL, RequestTimeout: cfg.RequestTimeout},
		productRepo,
		orderService,
		handlerOpts...,
	)
	router := h.Router(handler.NewSecurity(apikeyRepo, []byte(cfg.APIKeyPepper)))
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "api_key", "X-User-ID", "Idempotency-Key", "X-Request-ID"},
				ExposeHeaders:    []string{"X-Request-ID", "Idempotent-Replayed", "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RouteContext(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("foodstore-api", httpmiddleware.ChiRoute, m),
			httpmiddleware.LogRequests(httpmiddleware.ChiRoute),
			httpmiddleware.Labeler(httpmiddleware.ChiRoute),
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

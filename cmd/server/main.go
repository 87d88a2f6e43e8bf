package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/Armour007/aura-captcha/internal/api"
	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/logging"
	"github.com/Armour007/aura-captcha/internal/mesh"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Development())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("captcha server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	jwtSecret, err := utils.ResolveJWTSecret(cfg.JWTSecret, cfg.Development())
	if err != nil {
		return err
	}
	if cfg.ServiceKeyHash == "" {
		if !cfg.Development() {
			return errors.New("AURA_SERVICE_KEY_HASH is required outside development")
		}
		logger.Warn("public captcha routes are unauthenticated: AURA_SERVICE_KEY_HASH not set")
	}

	svc, closeStore, err := captcha.Open(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	bus := openBus(cfg, logger)
	defer bus.Close()

	frontend := api.NewFrontendCache(svc)
	limiter := api.NewRateLimiter(cfg.VerifyRPM, rdb)
	svc.Register(frontend)
	svc.Register(limiter)
	svc.Register(captcha.NewBusConsumer(bus))
	if len(cfg.WebhookURLs) > 0 {
		svc.Register(captcha.NewWebhookConsumer(cfg.WebhookURLs, cfg.WebhookSecret, captcha.EnvKeysFromConfig(cfg)))
	}

	// Prime the cache and every consumer with the stored policy.
	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	settings, err := svc.ReloadSettings(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("load captcha policy: %w", err)
	}
	logger.Info("captcha policy loaded",
		zap.Int64("version", settings.Version),
		zap.Bool("enabled", settings.Enabled),
		zap.String("mode", string(settings.Mode)))

	sched, err := api.NewScheduler(svc, cfg.RetentionDays, cfg.PurgeCron, cfg.SweepCron)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if shutdown, ok := observability.SetupOTel(cfg.OTelEnabled, cfg.OTelEndpoint); ok {
		defer shutdown(context.Background()) //nolint:errcheck
		router.Use(otelgin.Middleware("aura-captcha"))
	}
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	if len(cfg.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			logger.Warn("failed to set trusted proxies", zap.Error(err))
		}
	}

	api.RegisterRoutes(router, api.Routes{
		Handlers:       api.NewHandlers(svc, frontend, limiter),
		JWTSecret:      jwtSecret,
		ServiceKeyHash: cfg.ServiceKeyHash,
		Readiness:      readinessChecks(rdb),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting aura captcha server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigc:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	}
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(ctx)
}

func openBus(cfg config.Config, logger *zap.Logger) mesh.Bus {
	if cfg.NatsURL == "" {
		return mesh.NewLocalBus()
	}
	b, err := mesh.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logger.Warn("nats unavailable, policy changes stay in process", zap.Error(err))
		return mesh.NewLocalBus()
	}
	return b
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key", "X-Request-ID", "If-None-Match"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "ETag", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) > 0 {
		c.AllowAllOrigins = false
		c.AllowOrigins = origins
	}
	return c
}

func readinessChecks(rdb *redis.Client) []api.ReadinessCheck {
	var checks []api.ReadinessCheck
	if database.DB != nil {
		checks = append(checks, api.ReadinessCheck{Name: "database", Check: func(ctx context.Context) error {
			return database.DB.PingContext(ctx)
		}})
	}
	if rdb != nil {
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

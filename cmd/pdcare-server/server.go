package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/pdcare/pdcare/internal/config"
	"github.com/pdcare/pdcare/internal/domain/cds"
	"github.com/pdcare/pdcare/internal/domain/kpi"
	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/domain/pet"
	"github.com/pdcare/pdcare/internal/domain/suggestion"
	"github.com/pdcare/pdcare/internal/platform/ai"
	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/blobstore"
	"github.com/pdcare/pdcare/internal/platform/cache"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
	"github.com/pdcare/pdcare/internal/platform/metrics"
	"github.com/pdcare/pdcare/internal/platform/middleware"
	"github.com/pdcare/pdcare/internal/platform/notification"
	"github.com/pdcare/pdcare/internal/platform/reporting"
	"github.com/pdcare/pdcare/internal/platform/websocket"
)

const cacheKeyPrefix = "pdcare:"

// clinicScope binds db.WithClinic to a pool for background consumers.
func clinicScope(pool *pgxpool.Pool) patient.ClinicScope {
	return func(ctx context.Context, clinicID string, fn func(ctx context.Context) error) error {
		return db.WithClinic(ctx, pool, clinicID, fn)
	}
}

// skipPublic leaves health and metrics probes outside mw.
func skipPublic(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			return wrapped(c)
		}
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Cache
	var kv cache.Cache = cache.NewMemory()
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cacheKeyPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		kv = rc
		logger.Info().Msg("connected to redis")
	}

	// Image storage
	var blobs blobstore.BlobStore = blobstore.NewInMemoryBlobStore()
	if cfg.S3ImageBucket != "" {
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create S3 client")
		}
		blobs = blobstore.NewS3Store(client, cfg.S3ImageBucket, "images/")
		logger.Info().Str("bucket", cfg.S3ImageBucket).Msg("storing images in S3")
	} else {
		logger.Warn().Msg("S3_IMAGE_BUCKET not set, images are kept in memory")
	}

	// Event bus and outbound sinks
	bus := events.NewBus(logger)
	hub := websocket.NewHub(logger)
	bus.AddSink(events.Sink{Name: "websocket", Publisher: hub})
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaAlertTopic != "" {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		defer pub.Close()
		bus.AddSink(events.Sink{Name: "kafka", Publisher: pub, Types: []string{events.AlertRaised}})
	}

	// Notifications
	logSender := notification.LogSender{Logger: logger}
	var email notification.EmailSender = logSender
	var sms notification.SMSSender = logSender
	var push notification.PushSender = logSender
	if cfg.SQSNotifyQueue != "" {
		client, err := notification.NewSQSClient(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create SQS client")
		}
		q := notification.NewQueueSender(client, cfg.SQSNotifyQueue)
		email, sms = q, q
	}
	if cfg.MQTTBroker != "" {
		mq, err := notification.NewMQTTPushSender(notification.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to MQTT broker")
		}
		defer mq.Close()
		push = mq
	}
	notifier := notification.NewManager(email, sms, push, notification.NewTemplateEngine(), logger)

	var model ai.Generator
	if cfg.AIBaseURL != "" {
		model = ai.NewClient(ai.Config{
			BaseURL: cfg.AIBaseURL,
			APIKey:  cfg.AIAPIKey,
			Model:   cfg.AIModel,
			Timeout: 30 * time.Second,
		}, logger)
	} else {
		logger.Warn().Msg("AI_BASE_URL not set, suggestions are disabled")
	}

	// Services
	patients := patient.NewService(patient.NewRepo(pool), blobs, bus, logger)
	alerts := cds.NewService(patients, kpi.RiskScore, bus, notifier, kv, cds.Options{
		AlertEmail: cfg.AlertEmail,
		Workers:    cfg.RosterWorkers,
	}, logger)
	alerts.Subscribe(bus)
	kpis := kpi.NewService(patients, kv, cfg.KPICacheTTL, logger)
	kpis.Subscribe(bus)
	pets := pet.NewService(patients, logger)
	suggestions := suggestion.NewService(patients, model, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", db.ClinicHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	// Clinic middleware
	e.Use(skipPublic(db.ClinicMiddleware(pool, cfg.DefaultClinic)))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	// Domain routes
	patient.NewHandler(patients).RegisterRoutes(apiV1)
	cds.NewHandler(alerts).RegisterRoutes(apiV1)
	kpi.NewHandler(kpis).RegisterRoutes(apiV1)
	pet.NewHandler(pets).RegisterRoutes(apiV1)
	suggestion.NewHandler(suggestions).RegisterRoutes(apiV1)
	reporting.NewHandler(pool).RegisterRoutes(apiV1)
	notification.NewHandler(notifier).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	// Lab ingestion
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaLabTopic != "" {
		reader := patient.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLabTopic, cfg.KafkaGroupID)
		ingestor := patient.NewLabIngestor(reader, patients, clinicScope(pool), logger)
		go func() {
			if err := ingestor.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("lab ingestion stopped")
			}
		}()
		logger.Info().Str("topic", cfg.KafkaLabTopic).Msg("lab ingestion started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

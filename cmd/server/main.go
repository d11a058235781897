package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courtline/booking-engine/internal/config"
	"github.com/courtline/booking-engine/internal/database"
	"github.com/courtline/booking-engine/internal/events"
	"github.com/courtline/booking-engine/internal/handlers"
	"github.com/courtline/booking-engine/internal/metrics"
	"github.com/courtline/booking-engine/internal/middleware"
	"github.com/courtline/booking-engine/internal/repository"
	"github.com/courtline/booking-engine/internal/services"
	"github.com/courtline/booking-engine/pkg/jwt"
	"github.com/courtline/booking-engine/pkg/mq"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		gin.SetMode(gin.DebugMode)
	}
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	logger.Infof("Starting booking engine, version: %s, build time: %s", version, buildTime)

	// Database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	slotLedger := database.NewSlotHoldRepository(db.DB)
	bookingRepo := database.NewBookingRepository(db.DB)
	intentRepo := database.NewPaymentIntentRepository(db.DB)
	venueRepo := database.NewVenueRepository(db.DB)

	// Domain events: RabbitMQ when configured, otherwise log only
	var broker events.JSONPublisher
	if cfg.Events.AMQPURL != "" {
		publisher, err := mq.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer publisher.Close()
		broker = publisher
		logger.WithField("exchange", cfg.Events.Exchange).Info("Publishing booking events to RabbitMQ")
	} else {
		logger.Warn("AMQP_URL not set, booking events are only logged")
	}
	bus := events.NewBus(broker, logger)

	metrics.Register()
	for _, eventType := range []string{
		events.BookingConfirmed,
		events.BookingCancelled,
		events.BookingCompleted,
		events.BookingExpired,
		events.BookingRefundRequested,
	} {
		bus.Subscribe(eventType, func(ctx context.Context, event *events.BookingEvent) {
			metrics.IncEvent(event.Type)
		})
	}

	// Payment processor
	var processor services.PaymentProcessor
	if cfg.Payment.StripeSecretKey != "" {
		processor = services.NewStripeProcessor(cfg.Payment.StripeSecretKey)
		logger.Info("Stripe payment processor configured")
	} else {
		processor = services.NewSandboxProcessor()
		logger.Warn("STRIPE_SECRET_KEY not set, using sandbox payment processor")
	}

	paymentBroker := services.NewPaymentBrokerService(intentRepo, processor, services.RetryPolicy{
		MaxRetries:    cfg.Payment.MaxRetries,
		InitialDelay:  cfg.Payment.InitialBackoff,
		MaxDelay:      cfg.Payment.MaxBackoff,
		BackoffFactor: 2,
	}, logger)

	lifecycle := services.NewBookingLifecycleService(
		bookingRepo,
		slotLedger,
		venueRepo,
		paymentBroker,
		bus,
		services.BookingLifecycleConfig{
			HoldDuration:       cfg.Booking.HoldDuration,
			CancellationWindow: cfg.Booking.CancellationWindow,
			MaxDuration:        cfg.Booking.MaxDuration,
			Currency:           cfg.Booking.Currency,
		},
		logger,
	)
	gateway := services.NewOwnerActionGateway(lifecycle, bookingRepo, venueRepo, logger)

	sweeper := services.NewReconciliationSweeper(lifecycle, bookingRepo, slotLedger, paymentBroker, services.SweeperConfig{
		Schedule:           cfg.Sweeper.Schedule,
		CompletionSchedule: cfg.Sweeper.CompletionSchedule,
		GracePeriod:        cfg.Sweeper.GracePeriod,
		BatchSize:          cfg.Sweeper.BatchSize,
	}, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatalf("Failed to start reconciliation sweeper: %v", err)
	}

	// Webhook dedupe is optional
	var dedupe handlers.WebhookDedupe
	if cfg.Redis.URL != "" {
		redisClient, err := repository.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("Failed to configure redis: %v", err)
		}
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, webhook dedupe may fail until it recovers")
		}
		cancel()
		dedupe = repository.NewWebhookEventStore(redisClient, cfg.Redis.WebhookDedupeTTL)
	} else {
		logger.Warn("REDIS_URL not set, webhook events are not deduplicated")
	}

	// Handlers
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	bookingHandler := handlers.NewBookingHandler(lifecycle, gateway, cfg.Sweeper.GracePeriod, logger)
	ownerHandler := handlers.NewOwnerBookingHandler(gateway, cfg.Sweeper.GracePeriod, logger)
	webhookHandler := handlers.NewPaymentWebhookHandler(cfg.Payment.StripeWebhookSecret, lifecycle, paymentBroker, dedupe, logger)
	createLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Metrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/webhook", webhookHandler.HandleWebhook)

		bookings := v1.Group("/bookings")
		bookings.Use(middleware.AuthMiddleware(jwtService))
		{
			bookings.POST("", createLimiter.Middleware(), bookingHandler.CreateBooking)
			bookings.GET("", bookingHandler.ListBookings)
			bookings.GET("/:id", bookingHandler.GetBooking)
			bookings.POST("/:id/confirm-payment", bookingHandler.ConfirmPayment)
			bookings.POST("/:id/cancel", bookingHandler.CancelBooking)
			bookings.PUT("/:id/status", middleware.RequireRole(middleware.RoleVenueOwner), ownerHandler.UpdateStatus)
		}

		owner := v1.Group("/owner")
		owner.Use(middleware.AuthMiddleware(jwtService), middleware.RequireRole(middleware.RoleVenueOwner))
		{
			owner.GET("/venues/:venueId/bookings", ownerHandler.ListVenueBookings)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db *database.PostgresDB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

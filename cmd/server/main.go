package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruralpay/creditcore/docs"
	"github.com/ruralpay/creditcore/internal/config"
	"github.com/ruralpay/creditcore/internal/database"
	"github.com/ruralpay/creditcore/internal/events"
	"github.com/ruralpay/creditcore/internal/handlers"
	"github.com/ruralpay/creditcore/internal/jobs"
	"github.com/ruralpay/creditcore/internal/notifier"
	"github.com/ruralpay/creditcore/internal/services"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/sirupsen/logrus"
)

// @title Credit Core API
// @version 1.0
// @description Credit accounts, invoice allocation and payment reconciliation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(".env")
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: postgres when configured, otherwise in-process
	var st store.Store
	if cfg.Database.Host != "" {
		db, err := database.InitDB(cfg.Database, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer db.Close()

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("Failed to migrate schema")
		}
		st = pg
	} else {
		log.Warn("DATABASE_HOST not set, balances are kept in memory")
		st = store.NewMemoryStore()
	}

	// Change feed, event fan-out and dashboard cache
	var (
		feed       notifier.Feed
		publishers []events.Publisher
		cache      services.DashboardCache
	)
	if rdb := database.InitRedis(cfg.Redis, log); rdb != nil {
		defer rdb.Close()
		feed = notifier.NewRedisFeed(rdb, log)
		publishers = append(publishers, events.NewRedisPublisher(rdb))
		cache = services.NewRedisDashboardCache(rdb)
	} else {
		memFeed := notifier.NewMemoryFeed()
		feed = memFeed
		publishers = append(publishers, memFeed)
		cache = services.NewMemoryDashboardCache()
	}
	if cfg.Kafka.Brokers != "" {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		publishers = append(publishers, kafka)
		log.WithField("topic", cfg.Kafka.Topic).Info("Publishing balance updates to kafka")
	}
	publisher := events.NewMultiPublisher(log, publishers...)

	// Services
	audit := services.NewAuditLogger(log)
	ledger := services.NewBalanceLedger(st, log, audit, cfg.Ledger.MaxRetries)
	dashboard := services.NewDashboardService(st, cache, log, services.DashboardOptions{
		CacheTTL:         cfg.Dashboard.CacheTTL,
		WarningPercent:   cfg.Dashboard.WarningPercent,
		CriticalPercent:  cfg.Dashboard.CriticalPercent,
		LowCreditPercent: cfg.Dashboard.LowCreditPercent,
		UpcomingWindow:   cfg.Dashboard.UpcomingWindow,
	})
	payments := services.NewPaymentService(st, ledger, publisher, dashboard, log, services.PaymentOptions{
		LargePaymentThreshold: cfg.Payment.LargePaymentThreshold,
		CreditWarningRatio:    cfg.Payment.CreditWarningRatio,
	})
	accounts := services.NewAccountService(st, ledger, publisher, dashboard, log)
	reports := services.NewStatusReportService(st)

	// Background jobs
	scheduler := jobs.NewScheduler(log)
	staleJob := jobs.NewStalePaymentJob(st, log, jobs.StalePaymentOptions{
		StaleAfter: cfg.Jobs.StaleAfter,
		BatchSize:  cfg.Jobs.BatchSize,
		Invalidate: dashboard.Invalidate,
		Audit:      audit,
	})
	if err := scheduler.AddStalePaymentJob(cfg.Jobs.StalePaymentSchedule, staleJob); err != nil {
		log.WithError(err).Fatal("Failed to schedule stale payment sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	notifierOpts := notifier.Options{
		HeartbeatInterval: cfg.Notifier.HeartbeatInterval,
		Backoff: notifier.BackoffPolicy{
			BaseDelay:   cfg.Notifier.ReconnectBaseDelay,
			MaxAttempts: cfg.Notifier.MaxReconnectAttempts,
		},
		// updates from other instances reach this instance's cache through the feed
		OnEvent: dashboard.OnBalanceUpdate,
		Logger:  log,
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:  cfg.JWT.SecretKey,
		SwaggerURL: "/swagger/doc.json",
	},
		handlers.NewAccountHandler(accounts, ledger, dashboard, feed, notifierOpts, log),
		handlers.NewPaymentHandler(payments, reports, log),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info("Server stopped")
}

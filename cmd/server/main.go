package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/coeurlink/mailer/internal/api"
	"github.com/coeurlink/mailer/internal/config"
	"github.com/coeurlink/mailer/internal/mailer"
	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/distlock"
	"github.com/coeurlink/mailer/internal/pkg/logger"
	"github.com/coeurlink/mailer/internal/queue"
	"github.com/coeurlink/mailer/internal/repository/postgres"
	"github.com/coeurlink/mailer/internal/service/campaign"
	"github.com/coeurlink/mailer/internal/service/preference"
	"github.com/coeurlink/mailer/internal/tracking"
	"github.com/coeurlink/mailer/internal/worker"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Cron.Secret == "" {
		log.Fatal("CRON_SECRET is required")
	}
	if cfg.Tracking.Secret == "" {
		log.Fatal("TRACKING_SECRET is required")
	}

	// Postgres
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	logger.Info("connected to database")

	// Redis
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}
	logger.Info("connected to redis")

	// SMTP transport
	dispatcher, err := mailer.NewSMTPSender(cfg.SMTP)
	if err != nil {
		log.Fatalf("smtp transport: %v", err)
	}
	defer dispatcher.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Repositories
	campaignRepo := postgres.NewCampaignRepo(db)
	sendRepo := postgres.NewSendRepo(db)
	prefRepo := postgres.NewPreferenceRepo(db)
	recipientRepo := postgres.NewRecipientRepo(db)
	eventRepo := postgres.NewEventRepo(db)

	// Queue and pipeline
	q := queue.New(rdb)
	throttle := queue.NewRateLimiter(rdb, cfg.SMTP.PerSecond)
	tracker := tracking.NewProcessor(cfg.Tracking.BaseURL, cfg.Tracking.Secret)

	prefSvc := preference.NewService(prefRepo)
	campSvc := campaign.NewService(campaignRepo, sendRepo, prefSvc, q)

	sender := worker.NewBatchSender(q, recipientRepo, sendRepo, campaignRepo,
		dispatcher, tracker, throttle, m, worker.BatchSenderConfig{
			BatchSize:   cfg.Cron.BatchSize,
			Concurrency: cfg.Cron.Concurrency,
		})
	driver := worker.NewCronDriver(campaignRepo, sendRepo, q, sender,
		func() distlock.DistLock {
			return distlock.NewLock(rdb, db, worker.LockName, cfg.Cron.LockTTL())
		},
		m, worker.CronDriverConfig{Budget: cfg.Cron.Budget()})

	// HTTP surface
	router := api.NewRouter(api.Deps{
		Campaigns:   api.NewCampaignHandler(campSvc),
		Preferences: api.NewPreferenceHandler(prefSvc, eventRepo, m),
		Cron:        api.NewCronHandler(driver, cfg.Cron.Secret),
		Tracking:    tracking.NewHandler(tracker, eventRepo, m).Routes(),
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	srv := api.NewServer(router)

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := srv.ListenAndServe(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

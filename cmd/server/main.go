package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"LeaderDrip/internal/api"
	"LeaderDrip/internal/config"
	"LeaderDrip/internal/content"
	"LeaderDrip/internal/db"
	"LeaderDrip/internal/eligibility"
	"LeaderDrip/internal/email"
	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/pipeline"
	"LeaderDrip/internal/queue"
	"LeaderDrip/internal/scheduler"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Content Generator
	// ------------------------------------------------
	generator := newGenerator(cfg, logger)

	// ------------------------------------------------
	// Mail Transmitter
	// ------------------------------------------------
	mailer := newMailer(cfg, logger)

	// ------------------------------------------------
	// Job Queue + Worker Pool
	// ------------------------------------------------
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("queue backend unavailable", zap.Error(err))
	}

	processor := pipeline.New(store, generator, mailer, pipeline.Options{
		GenerationTimeout: cfg.GenerationTimeout,
		SendTimeout:       cfg.SendTimeout,
	}, logger)

	jobs := queue.New(backend, processor, queue.Options{
		Workers:    cfg.WorkerCount,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.PollInterval,
	}, logger)

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		jobs.Run(context.Background())
	}()

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	selector := eligibility.New(store, cfg.SendHour, logger)

	sched := scheduler.New(selector, store, jobs, scheduler.Options{
		Schedule:          cfg.Schedule,
		StalePendingAfter: cfg.StalePendingAfter,
	}, logger)

	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:     store,
		Queue:     jobs,
		Scheduler: sched,
		Log:       logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Stop producing jobs first: no more ticks, no more signups.
	sched.Stop()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()

	if err := apiServer.Shutdown(httpCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// In-flight jobs finish under their own timeout.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.JobTimeout+10*time.Second)
	defer drainCancel()

	if err := jobs.Shutdown(drainCtx); err != nil {
		logger.Error("queue shutdown failed", zap.Error(err))
	}
	<-queueDone

	if err := metricsServer.Shutdown(httpCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development() {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	return zcfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreSQLite:
		lite, err := db.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return db.NewMemoryStore(), nil
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (queue.Backend, error) {
	if cfg.QueueBackend == config.QueueRedis {
		rb, err := queue.NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.CompletedRetention)
		if err != nil {
			return nil, err
		}
		return rb, nil
	}
	return queue.NewMemoryBackend(cfg.CompletedRetention), nil
}

func newGenerator(cfg *config.Config, logger *zap.Logger) content.Generator {
	fallback := content.TemplateGenerator{}

	var primary content.Generator
	switch cfg.AIProvider {
	case config.AIOpenAI:
		primary = content.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	case config.AIAnthropic:
		primary = content.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	default:
		return fallback
	}

	return content.NewResilient(primary, fallback, content.ResilientOptions{
		Attempts:       cfg.GenerationAttempts,
		AttemptTimeout: cfg.GenerationAttemptTimeout,
	}, logger)
}

func newMailer(cfg *config.Config, logger *zap.Logger) email.Transmitter {
	if cfg.MailProvider == config.MailResend {
		return email.NewResendClient(cfg.ResendAPIKey, cfg.MailFrom, cfg.MailFromName)
	}
	return &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		FromName: cfg.MailFromName,
		Log:      logger,
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"bulkmailer/internal/api"
	"bulkmailer/internal/collector"
	"bulkmailer/internal/config"
	"bulkmailer/internal/creator"
	"bulkmailer/internal/lock"
	"bulkmailer/internal/mailer"
	"bulkmailer/internal/orchestrator"
	"bulkmailer/internal/ratelimit"
	"bulkmailer/internal/render"
	"bulkmailer/internal/sender"
	"bulkmailer/internal/source"
	"bulkmailer/internal/store"
	"bulkmailer/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	renderer, err := render.NewHTML()
	if err != nil {
		logger.Fatal("init renderer", zap.Error(err))
	}

	transport := mailer.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	engine := mailer.NewEngine(transport, mailer.EngineConfig{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		RateLimitBase: cfg.RateLimitBaseDelay,
		RateLimitMax:  cfg.RateLimitMaxDelay,
	}, logger)

	limiter := ratelimit.New(cfg.EmailsPerMinute, cfg.EmailsPerHour)
	locks := lock.NewManager(st, cfg.LockTTL, logger)

	snd := sender.New(st, locks, limiter, engine, sender.Config{
		BatchSize:        cfg.SendBatchSize,
		ProgressInterval: cfg.ProgressInterval,
		RetryBase:        cfg.RetryBaseDelay,
		RetryMax:         cfg.RetryMaxDelay,
		RateLimitBase:    cfg.RateLimitBaseDelay,
		RateLimitMax:     cfg.RateLimitMaxDelay,
	}, logger)

	pool := orchestrator.NewPool(cfg.WorkerPoolSize, cfg.PoolQueueDepth, logger)
	pool.Start(ctx)
	defer pool.Stop()

	orch := orchestrator.New(
		st,
		creator.New(st, renderer, logger),
		collector.New(st, cfg.CollectBatchSize, logger),
		snd,
		pool,
		logger,
	)

	var s3Client source.ObjectGetter
	client, err := source.NewS3Client(ctx, source.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		logger.Warn("s3 unavailable, csv-by-object broadcasts disabled", zap.Error(err))
	} else {
		s3Client = client
	}

	// The reap and resume sweeps also run here so a single-binary deployment
	// recovers its own interrupted jobs.
	cr := cron.New()
	if _, err := cr.AddFunc(cfg.ReapSchedule, func() {
		if n, err := locks.ReapExpired(ctx); err != nil {
			logger.Error("lock reap failed", zap.Error(err))
		} else if n > 0 {
			telemetry.LocksReaped.Add(float64(n))
		}
	}); err != nil {
		logger.Fatal("schedule lock reap", zap.Error(err))
	}
	if _, err := cr.AddFunc(cfg.ResumeSchedule, func() {
		if _, err := orch.ResumeInterrupted(ctx, cfg.ResumeBatch); err != nil {
			logger.Error("resume sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("schedule resume sweep", zap.Error(err))
	}
	cr.Start()
	defer cr.Stop()

	server := api.New(orch, s3Client, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(":"+cfg.MetricsPort, telemetry.Handler()); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("api listening", zap.String("port", cfg.APIPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

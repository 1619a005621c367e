package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobqueue/internal/config"
	"jobqueue/internal/handlers"
	"jobqueue/internal/logging"
	"jobqueue/internal/queue"
	"jobqueue/internal/redisconn"
	"jobqueue/internal/storage"
	"jobqueue/internal/store"
	"jobqueue/internal/telemetry"
	"jobqueue/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns, err := redisconn.OpenSet(cfg)
	if err != nil {
		return err
	}
	defer conns.Close()
	q := queue.New(conns.Worker, cfg.QueueName, queue.OptionsFromConfig(cfg))

	var audit worker.AuditSink
	if cfg.PostgresDSN != "" {
		auditLog, err := store.New(ctx, cfg.PostgresDSN, cfg.QueueName)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		if err := auditLog.Migrate(ctx); err != nil {
			return err
		}
		audit = auditLog
	}

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	report := handlers.NewReport(uploader, logger)
	report.Register("queue-summary", handlers.QueueSummary(q))

	h := worker.Handlers{
		Email:        handlers.NewEmail(handlers.NewMailer(cfg, logger), cfg.MailFrom).Handle,
		WebhookRetry: handlers.NewWebhook(nil, cfg.WebhookTimeout).Handle,
		Report:       report.Handle,
	}

	opts := worker.OptionsFromConfig(cfg)
	opts.ID = workerID()
	processor := worker.NewProcessor(q, h, opts, logger, audit)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker starting",
		slog.String("queue", cfg.QueueName),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
		slog.Duration("lock_duration", cfg.LockDuration),
	)
	// Run waits for in-flight jobs before returning.
	runErr := processor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
	return runErr
}

// workerID prefers WORKER_ID, then the hostname.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

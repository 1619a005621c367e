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

	"jobqueue/internal/admin"
	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/logging"
	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/ratelimit"
	"jobqueue/internal/redisconn"
	"jobqueue/internal/store"
	"jobqueue/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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
	if !conns.Enqueue.Available() {
		logger.Warn("redis not configured, jobs will not be queued")
	}
	q := queue.New(conns.Enqueue, cfg.QueueName, queue.OptionsFromConfig(cfg))

	var auditLog admin.AuditLog
	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN, cfg.QueueName)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		auditLog = pg
	}

	producer := queue.NewProducer(q, func(ctx context.Context, id string, kind models.Kind) {
		telemetry.JobsEnqueued.WithLabelValues(string(kind)).Inc()
		if auditLog == nil {
			return
		}
		entry := models.AuditEntry{JobID: id, Kind: kind, Event: models.AuditEnqueued, At: time.Now()}
		if err := auditLog.Append(ctx, entry); err != nil {
			logger.Warn("append audit entry", slog.String("job_id", id), slog.Any("error", err))
		}
	})

	var limiter *ratelimit.Window
	if conns.Enqueue.Available() {
		limiter = ratelimit.NewWindow(conns.Enqueue.Client(), "jobqueue:ratelimit:", cfg.APIRateCapacity, cfg.APIRateWindow)
	}

	server := api.New(producer, admin.New(q, auditLog, logger), limiter, cfg.AdminToken, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", httpServer.Addr), slog.String("queue", cfg.QueueName))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("api stopped")
	return nil
}

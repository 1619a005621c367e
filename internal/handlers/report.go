package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/storage"
	"jobqueue/internal/worker"
)

// Artifact is a rendered report.
type Artifact struct {
	Extension   string
	ContentType string
	Body        []byte
}

// Generator renders one report type.
type Generator interface {
	Generate(ctx context.Context, p models.ReportPayload) (Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p models.ReportPayload) (Artifact, error)

func (f GeneratorFunc) Generate(ctx context.Context, p models.ReportPayload) (Artifact, error) {
	return f(ctx, p)
}

// Report generates reports and uploads the result.
type Report struct {
	mu         sync.RWMutex
	generators map[string]Generator
	uploader   storage.Uploader
	logger     *slog.Logger
	now        func() time.Time
}

func NewReport(uploader storage.Uploader, logger *slog.Logger) *Report {
	if logger == nil {
		logger = slog.Default()
	}
	return &Report{
		generators: make(map[string]Generator),
		uploader:   uploader,
		logger:     logger,
		now:        time.Now,
	}
}

// Register binds a generator to a report type.
func (h *Report) Register(reportType string, g Generator) {
	if reportType == "" || g == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generators[reportType] = g
}

// Handle renders and uploads the report, reporting progress along the way.
// An unregistered report type cannot succeed on retry and fails the job.
func (h *Report) Handle(ctx context.Context, job *models.Job, p models.ReportPayload, progress worker.Progress) error {
	h.mu.RLock()
	gen, ok := h.generators[p.ReportType]
	h.mu.RUnlock()
	if !ok {
		return worker.Permanent(fmt.Errorf("unknown report type %q", p.ReportType))
	}
	if err := progress(ctx, 10); err != nil {
		return err
	}

	artifact, err := gen.Generate(ctx, p)
	if err != nil {
		return fmt.Errorf("generate %s report: %w", p.ReportType, err)
	}
	if err := progress(ctx, 50); err != nil {
		return err
	}

	key := fmt.Sprintf("%s/%s-%s.%s", p.ReportType, h.now().UTC().Format("20060102T150405Z"), job.ID, artifact.Extension)
	location, err := h.uploader.Upload(ctx, key, artifact.Body, artifact.ContentType)
	if err != nil {
		return fmt.Errorf("upload %s report: %w", p.ReportType, err)
	}
	if err := progress(ctx, 90); err != nil {
		return err
	}

	h.logger.Info("report generated",
		slog.String("job_id", job.ID),
		slog.String("report_type", p.ReportType),
		slog.String("requested_by", p.RequestedBy),
		slog.String("location", location),
		slog.Int("bytes", len(artifact.Body)),
	)
	return progress(ctx, 100)
}

// QueueStats is the read side of the queue a summary needs.
type QueueStats interface {
	Metrics(ctx context.Context) (queue.Metrics, error)
	ListJobs(ctx context.Context, status models.Status, start, end int64) ([]*models.Job, error)
}

// QueueSummary renders per-status counts and the most recent failures as
// CSV. The "limit" parameter caps the failure rows (default 20).
func QueueSummary(stats QueueStats) Generator {
	return GeneratorFunc(func(ctx context.Context, p models.ReportPayload) (Artifact, error) {
		limit := int64(20)
		if v, ok := p.Parameters["limit"]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return Artifact{}, worker.Permanent(fmt.Errorf("invalid limit %q", v))
			}
			limit = n
		}

		m, err := stats.Metrics(ctx)
		if err != nil {
			return Artifact{}, err
		}
		failed, err := stats.ListJobs(ctx, models.StatusFailed, 0, limit-1)
		if err != nil {
			return Artifact{}, err
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		rows := [][]string{
			{"status", "count"},
			{"waiting", strconv.FormatInt(m.Waiting, 10)},
			{"active", strconv.FormatInt(m.Active, 10)},
			{"delayed", strconv.FormatInt(m.Delayed, 10)},
			{"completed", strconv.FormatInt(m.Completed, 10)},
			{"failed", strconv.FormatInt(m.Failed, 10)},
			{"paused", strconv.FormatInt(m.Paused, 10)},
			{},
			{"failed_job_id", "kind", "attempts", "failure_reason", "finished_at"},
		}
		for _, job := range failed {
			finished := ""
			if job.FinishedAt != nil {
				finished = job.FinishedAt.UTC().Format(time.RFC3339)
			}
			rows = append(rows, []string{
				job.ID,
				string(job.Kind),
				fmt.Sprintf("%d/%d", job.AttemptsMade, job.MaxAttempts),
				job.FailureReason,
				finished,
			})
		}
		if err := w.WriteAll(rows); err != nil {
			return Artifact{}, fmt.Errorf("write csv: %w", err)
		}
		return Artifact{Extension: "csv", ContentType: "text/csv", Body: buf.Bytes()}, nil
	})
}

// Package store keeps the job audit trail in Postgres. The queue itself
// lives in Redis; this is a write-mostly history for operators.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobqueue/internal/models"
)

// AuditLog wraps pgxpool for the job_audit table.
type AuditLog struct {
	pool  *pgxpool.Pool
	queue string
}

// New creates a pooled connection to Postgres. Entries are tagged with queue.
func New(ctx context.Context, dsn, queue string) (*AuditLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AuditLog{pool: pool, queue: queue}, nil
}

func (s *AuditLog) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *AuditLog) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append adds an audit row. A zero At means now.
func (s *AuditLog) Append(ctx context.Context, e models.AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, queue, kind, event, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.JobID, s.queue, string(e.Kind), string(e.Event), e.Detail, at)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", e.JobID, e.Event, err)
	}
	return nil
}

// List returns a job's history, oldest first.
func (s *AuditLog) List(ctx context.Context, jobID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, kind, event, detail, ts
		FROM job_audit
		WHERE queue = $1 AND job_id = $2
		ORDER BY ts, id
		LIMIT $3
	`, s.queue, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", jobID, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEntry, error) {
		var (
			e           models.AuditEntry
			kind, event string
		)
		if err := row.Scan(&e.JobID, &kind, &event, &e.Detail, &e.At); err != nil {
			return e, err
		}
		e.Kind = models.Kind(kind)
		e.Event = models.AuditEvent(event)
		e.At = e.At.UTC()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit %s: %w", jobID, err)
	}
	return entries, nil
}

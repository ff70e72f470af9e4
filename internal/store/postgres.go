package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-intake/internal/models"
)

// Postgres is the shared journal backend for multi-instance deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection and applies migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := runMigrations(ctx, s, "postgres"); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) exec(ctx context.Context, q string) error {
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Record upserts the job row and appends an audit row atomically.
func (s *Postgres) Record(ctx context.Context, e models.JournalEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (job_id, kind, path, fingerprint, state, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			path = EXCLUDED.path,
			fingerprint = CASE WHEN EXCLUDED.fingerprint = '' THEN jobs.fingerprint ELSE EXCLUDED.fingerprint END,
			state = EXCLUDED.state,
			attempts = GREATEST(jobs.attempts, EXCLUDED.attempts),
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, e.JobID, string(e.Kind), e.Path, e.Fingerprint, e.State, e.Attempts, emptyToNil(e.Error), e.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, e.JobID, e.State, auditDetail(e), e.RecordedAt.UTC()); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns the most recently updated jobs.
func (s *Postgres) Recent(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, kind, path, fingerprint, state, attempts, last_error, updated_at
		FROM jobs ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := []models.JournalEntry{}
	for rows.Next() {
		var e models.JournalEntry
		var kind string
		var lastErr pgtype.Text
		if err := rows.Scan(&e.JobID, &kind, &e.Path, &e.Fingerprint, &e.State, &e.Attempts, &lastErr, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		e.Kind = models.JobKind(kind)
		if p := textPtr(lastErr); p != nil {
			e.Error = *p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per current state.
func (s *Postgres) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Audit returns the audit trail of one job, oldest first.
func (s *Postgres) Audit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLog{}
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

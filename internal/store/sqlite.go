package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"document-intake/internal/models"
)

// SQLite is the default journal backend, a single local file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the journal database at dsn.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; workers serialize through the pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &SQLite{db: db}
	if err := runMigrations(ctx, s, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) exec(ctx context.Context, q string) error {
	_, err := s.db.ExecContext(ctx, q)
	return err
}

// Record upserts the job row and appends an audit row in one transaction.
func (s *SQLite) Record(ctx context.Context, e models.JournalEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	ts := e.RecordedAt.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, kind, path, fingerprint, state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			path = excluded.path,
			fingerprint = CASE WHEN excluded.fingerprint = '' THEN jobs.fingerprint ELSE excluded.fingerprint END,
			state = excluded.state,
			attempts = MAX(jobs.attempts, excluded.attempts),
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, e.JobID, string(e.Kind), e.Path, e.Fingerprint, e.State, e.Attempts, nullString(e.Error), ts, ts); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, e.JobID, e.State, auditDetail(e), ts); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns the most recently updated jobs.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, path, fingerprint, state, attempts, last_error, updated_at
		FROM jobs ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := []models.JournalEntry{}
	for rows.Next() {
		var (
			e       models.JournalEntry
			kind    string
			lastErr sql.NullString
			updated int64
		)
		if err := rows.Scan(&e.JobID, &kind, &e.Path, &e.Fingerprint, &e.State, &e.Attempts, &lastErr, &updated); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		e.Kind = models.JobKind(kind)
		e.Error = lastErr.String
		e.RecordedAt = time.Unix(0, updated).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per current state.
func (s *SQLite) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
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
func (s *SQLite) Audit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLog{}
	for rows.Next() {
		var a models.AuditLog
		var ts int64
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = time.Unix(0, ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func auditDetail(e models.JournalEntry) string {
	detail := fmt.Sprintf("path=%s attempts=%d", e.Path, e.Attempts)
	if e.Error != "" {
		detail += " error=" + e.Error
	}
	return detail
}

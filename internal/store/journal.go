// Package store keeps the job journal: an explicit job-state table plus an
// audit log. It is an observability record; idempotency is decided by the
// processed index, not by the journal.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

// Journal records job transitions.
type Journal interface {
	Record(ctx context.Context, e models.JournalEntry) error
	Recent(ctx context.Context, limit int) ([]models.JournalEntry, error)
	Counts(ctx context.Context) (map[string]int64, error)
	// Audit returns every transition recorded for jobID, oldest first.
	Audit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	Close() error
}

// Open builds the journal selected by JOURNAL_DRIVER and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Journal, error) {
	switch cfg.JournalDriver {
	case "sqlite":
		return NewSQLite(ctx, cfg.JournalDSN)
	case "postgres":
		return NewPostgres(ctx, cfg.JournalDSN)
	case "none", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.JournalDriver)
	}
}

// Noop discards every entry.
type Noop struct{}

func (Noop) Record(context.Context, models.JournalEntry) error { return nil }
func (Noop) Recent(context.Context, int) ([]models.JournalEntry, error) {
	return []models.JournalEntry{}, nil
}
func (Noop) Counts(context.Context) (map[string]int64, error) { return map[string]int64{}, nil }
func (Noop) Audit(context.Context, string) ([]models.AuditLog, error) {
	return []models.AuditLog{}, nil
}
func (Noop) Close() error { return nil }

// Logged wraps a journal so write failures are logged and swallowed. Journal
// trouble must never change a job's outcome.
type Logged struct {
	Journal
	logger *slog.Logger
}

func NewLogged(j Journal, logger *slog.Logger) *Logged {
	if j == nil {
		j = Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logged{Journal: j, logger: logger}
}

func (l *Logged) Record(ctx context.Context, e models.JournalEntry) error {
	if err := l.Journal.Record(ctx, e); err != nil {
		l.logger.Warn("journal write failed", "job_id", e.JobID, "state", e.State, "error", err)
	}
	return nil
}

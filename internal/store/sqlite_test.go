package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRecordUpserts(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	base := time.Now()

	require.NoError(t, s.Record(ctx, models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "/s/a.pdf", State: models.StateDispatched, RecordedAt: base}))
	require.NoError(t, s.Record(ctx, models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "/p/a.pdf", Fingerprint: "fp", State: models.StateProcessing, RecordedAt: base.Add(time.Second)}))
	require.NoError(t, s.Record(ctx, models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "/d/a.pdf", State: models.StateProcessed, Attempts: 2, RecordedAt: base.Add(2 * time.Second)}))
	require.NoError(t, s.Record(ctx, models.JournalEntry{JobID: "j2", Kind: models.KindPair, Path: "/s/b.pair.json", State: models.StateFailed, Attempts: 4, Error: "boom", RecordedAt: base.Add(3 * time.Second)}))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "j2", recent[0].JobID)
	assert.Equal(t, "boom", recent[0].Error)
	assert.Equal(t, models.KindPair, recent[0].Kind)

	j1 := recent[1]
	assert.Equal(t, models.StateProcessed, j1.State)
	assert.Equal(t, "fp", j1.Fingerprint, "a later entry without a fingerprint keeps the earlier one")
	assert.Equal(t, 2, j1.Attempts)
	assert.Equal(t, "/d/a.pdf", j1.Path)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{models.StateProcessed: 1, models.StateFailed: 1}, counts)

	audit, err := s.Audit(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, models.StateDispatched, audit[0].Event)
	assert.Equal(t, models.StateProcessed, audit[2].Event)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "a", State: models.StateProcessed}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	recent, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestOpenSelectsBackend(t *testing.T) {
	j, err := Open(context.Background(), config.Config{JournalDriver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, j)

	j, err = Open(context.Background(), config.Config{JournalDriver: "sqlite", JournalDSN: filepath.Join(t.TempDir(), "j.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, j)
	require.NoError(t, j.Close())

	_, err = Open(context.Background(), config.Config{JournalDriver: "mongo"})
	assert.Error(t, err)
}

type failingJournal struct{ Noop }

func (failingJournal) Record(context.Context, models.JournalEntry) error {
	return assert.AnError
}

func TestLoggedSwallowsFailures(t *testing.T) {
	j := NewLogged(failingJournal{}, nil)
	assert.NoError(t, j.Record(context.Background(), models.JournalEntry{JobID: "x"}))
}

func TestAuditReadThroughJournal(t *testing.T) {
	ctx := context.Background()
	opened, err := Open(ctx, config.Config{JournalDriver: "sqlite", JournalDSN: filepath.Join(t.TempDir(), "j.db")})
	require.NoError(t, err)
	j := NewLogged(opened, nil)
	defer j.Close()

	require.NoError(t, j.Record(ctx, models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "a.pdf", State: models.StateDispatched}))
	require.NoError(t, j.Record(ctx, models.JournalEntry{JobID: "j1", Kind: models.KindSingle, Path: "a.pdf", State: models.StateFailed, Attempts: 2, Error: "boom"}))

	audit, err := j.Audit(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, models.StateFailed, audit[1].Event)
	assert.Contains(t, audit[1].Detail, "error=boom")

	none, err := Noop{}.Audit(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

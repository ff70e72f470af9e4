package models

import (
	"path/filepath"
	"strings"
	"time"
)

// JobKind distinguishes single documents from primary + continuation pairs.
type JobKind string

const (
	KindSingle JobKind = "single"
	KindPair   JobKind = "pair"
)

// DescriptorSuffix marks pair descriptor files written into staging.
const DescriptorSuffix = ".pair.json"

// Job is the unit of dispatch. It is never persisted: its state is implied by
// where its files live and whether a dispatch record for it is outstanding.
type Job struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`
	// Paths holds one or two absolute paths, primary first.
	Paths []string `json:"paths"`
	// Source is the path that was published: the file itself for singles,
	// the staged descriptor for pairs.
	Source string `json:"source"`
}

// IsDescriptor reports whether path names a pair descriptor.
func IsDescriptor(path string) bool {
	return strings.HasSuffix(filepath.Base(path), DescriptorSuffix)
}

// DescriptorName returns the descriptor file name for a pair whose primary is primary.
func DescriptorName(primary string) string {
	base := filepath.Base(primary)
	return strings.TrimSuffix(base, filepath.Ext(base)) + DescriptorSuffix
}

// Journal states recorded for each job transition.
const (
	StateDispatched = "dispatched"
	StateProcessing = "processing"
	StateProcessed  = "processed"
	StateDuplicate  = "duplicate"
	StateFailed     = "failed"
	StateDeferred   = "deferred"
)

// JournalEntry is one row of the job journal.
type JournalEntry struct {
	JobID       string    `json:"job_id"`
	Kind        JobKind   `json:"kind"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

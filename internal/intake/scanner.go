package intake

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"document-intake/internal/config"
	"document-intake/internal/fsutil"
	"document-intake/internal/models"
	"document-intake/internal/queue"
	"document-intake/internal/store"
	"document-intake/internal/telemetry"
)

// Scanner polls the incoming directory, stages stable files and publishes one
// dispatch message per job.
type Scanner struct {
	layout     config.Layout
	dispatcher queue.Dispatcher
	journal    store.Journal
	logger     *slog.Logger

	interval time.Duration
	window   time.Duration
	allowed  map[string]struct{}
	now      func() time.Time

	tracker *Tracker
	wake    chan struct{}

	mu       sync.Mutex
	deferred []string
}

type Option func(*Scanner)

func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithStabilityWindow(d time.Duration) Option {
	return func(s *Scanner) {
		if d >= 0 {
			s.window = d
		}
	}
}

// WithExtensions restricts intake to the given extensions. Empty means any.
func WithExtensions(exts []string) Option {
	return func(s *Scanner) {
		if len(exts) == 0 {
			return
		}
		s.allowed = make(map[string]struct{}, len(exts))
		for _, e := range exts {
			s.allowed[strings.TrimPrefix(strings.ToLower(e), ".")] = struct{}{}
		}
	}
}

func WithJournal(j store.Journal) Option {
	return func(s *Scanner) {
		if j != nil {
			s.journal = j
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner builds a scanner publishing to dispatcher.
func NewScanner(layout config.Layout, dispatcher queue.Dispatcher, logger *slog.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		layout:     layout,
		dispatcher: dispatcher,
		journal:    store.Noop{},
		logger:     logger,
		interval:   5 * time.Second,
		window:     5 * time.Second,
		now:        time.Now,
		tracker:    NewTracker(),
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run scans immediately and then every interval, or sooner when woken, until
// ctx is done. A pass in progress finishes its current candidate first.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scanner started", "incoming", s.layout.Incoming, "interval", s.interval, "stability_window", s.window)
	for {
		if _, err := s.Pass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scan pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Wake asks for an early pass. It never blocks.
func (s *Scanner) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Defer hands a staged path back for republishing on the next pass.
func (s *Scanner) Defer(path string) {
	s.mu.Lock()
	s.deferred = append(s.deferred, path)
	s.mu.Unlock()
	s.Wake()
}

// Pending returns how many deferred paths wait for the next pass.
func (s *Scanner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// Pass runs one scan and returns the number of jobs published. Errors on
// individual candidates are logged and never abort the pass.
func (s *Scanner) Pass(ctx context.Context) (int, error) {
	published, err := s.republishDeferred(ctx)
	if err != nil {
		return published, err
	}

	entries, err := fsutil.List(s.layout.Incoming)
	if err != nil {
		return published, err
	}
	present := make(map[string]struct{}, len(entries))
	eligible := entries[:0]
	for _, e := range entries {
		present[e.Path] = struct{}{}
		if !s.accepts(e.Name) {
			continue
		}
		eligible = append(eligible, e)
	}
	s.tracker.Retain(present)

	now := s.now()
	for _, c := range Resolve(eligible) {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if !s.allStable(c, now) {
			telemetry.CandidatesSkipped.WithLabelValues("unstable").Inc()
			continue
		}
		ok, err := s.stage(ctx, c)
		if err != nil {
			return published, err
		}
		if ok {
			published++
		}
	}
	return published, nil
}

func (s *Scanner) accepts(name string) bool {
	if strings.HasSuffix(name, models.DescriptorSuffix) {
		// reserved for staged pairs
		return false
	}
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")]
	return ok
}

func (s *Scanner) allStable(c Candidate, now time.Time) bool {
	stable := true
	for _, f := range c.Files {
		// observe every member so each gets its last-seen time recorded
		if !s.tracker.Stable(f, now, s.window) {
			stable = false
		}
	}
	return stable
}

// stage moves a candidate into staging and publishes it. A move failure rolls
// back and leaves the candidate for the next pass; only cancellation while
// publishing is returned as an error.
func (s *Scanner) stage(ctx context.Context, c Candidate) (bool, error) {
	staged := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		dst, err := fsutil.Move(f.Path, s.layout.Staging)
		if err != nil {
			s.logger.Warn("staging move failed, retrying next pass", "path", f.Path, "error", err)
			telemetry.CandidatesSkipped.WithLabelValues("move_failed").Inc()
			s.unstage(staged)
			return false, nil
		}
		staged = append(staged, dst)
	}
	for _, f := range c.Files {
		s.tracker.Forget(f.Path)
	}

	source := staged[0]
	if c.Kind == models.KindPair {
		desc, err := WriteDescriptor(s.layout.Staging, staged)
		if err != nil {
			s.logger.Warn("pair descriptor write failed, retrying next pass", "files", staged, "error", err)
			telemetry.CandidatesSkipped.WithLabelValues("descriptor_failed").Inc()
			s.unstage(staged)
			return false, nil
		}
		source = desc
	}

	if err := s.publish(ctx, source, c.Kind); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("publish interrupted by shutdown, job stays staged", "path", source)
			return false, err
		}
		s.logger.Error("publish failed, job stays staged", "path", source, "error", err)
		s.Defer(source)
		return false, nil
	}
	return true, nil
}

// unstage returns already staged members to incoming.
func (s *Scanner) unstage(staged []string) {
	for _, p := range staged {
		if _, err := fsutil.Move(p, s.layout.Incoming); err != nil {
			s.logger.Error("could not return file to incoming, it stays staged", "path", p, "error", err)
			s.Defer(p)
		}
	}
}

func (s *Scanner) publish(ctx context.Context, path string, kind models.JobKind) error {
	msg := models.NewMessage(path)
	if err := s.dispatcher.Publish(ctx, msg); err != nil {
		return err
	}
	telemetry.JobsDispatched.WithLabelValues(string(kind)).Inc()
	_ = s.journal.Record(ctx, models.JournalEntry{
		JobID:      msg.ID,
		Kind:       kind,
		Path:       path,
		State:      models.StateDispatched,
		RecordedAt: s.now(),
	})
	s.logger.Info("job dispatched", "job_id", msg.ID, "kind", kind, "path", path)
	return nil
}

func (s *Scanner) republishDeferred(ctx context.Context) (int, error) {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	published := 0
	for i, p := range pending {
		if !fsutil.Exists(p) {
			s.logger.Debug("deferred path no longer staged", "path", p)
			continue
		}
		kind := models.KindSingle
		if models.IsDescriptor(p) {
			kind = models.KindPair
		}
		if err := s.publish(ctx, p, kind); err != nil {
			s.mu.Lock()
			s.deferred = append(pending[i:], s.deferred...)
			s.mu.Unlock()
			return published, err
		}
		published++
	}
	return published, nil
}

// Package pipeline owns the lifecycle of the intake service: crash recovery,
// the scan loop, the worker pool and orderly shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"document-intake/internal/config"
	"document-intake/internal/enrich"
	"document-intake/internal/extract"
	"document-intake/internal/fsutil"
	"document-intake/internal/index"
	"document-intake/internal/intake"
	"document-intake/internal/models"
	"document-intake/internal/queue"
	"document-intake/internal/ratelimit"
	"document-intake/internal/store"
	"document-intake/internal/telemetry"
	"document-intake/internal/worker"
)

const watchDebounce = 200 * time.Millisecond

// Deps are the collaborators the orchestrator wires together. Only Extractor
// is required.
type Deps struct {
	Extractor extract.Extractor
	Journal   store.Journal
	Trigger   enrich.Trigger
	Results   worker.ResultWriter
	Limiter   ratelimit.Limiter
	// Redis enables the durable dispatcher when the config asks for it.
	Redis *redis.Client
}

// Orchestrator is the background service.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	index   *index.ProcessedIndex
	journal store.Journal

	inproc     *queue.InProcess
	durable    *queue.Durable
	dispatcher queue.Dispatcher

	scanner *intake.Scanner
	proc    *worker.Processor
	pool    *worker.Pool

	recovered bool
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Extractor == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		index:   index.Load(cfg.StateFile, logger),
		journal: store.NewLogged(deps.Journal, logger),
		inproc:  queue.NewInProcess(cfg.ChannelCapacity),
	}
	telemetry.IndexSize.Set(float64(o.index.Len()))

	o.dispatcher = o.inproc
	if cfg.UseExternalQueue {
		if deps.Redis == nil {
			return nil, errors.New("pipeline: external queue enabled without a redis client")
		}
		o.durable = queue.NewDurable(queue.NewRedisQueue(deps.Redis, cfg), o.inproc, logger)
		o.dispatcher = o.durable
	}

	o.scanner = intake.NewScanner(cfg.Layout, o.dispatcher, logger.With("component", "scanner"),
		intake.WithInterval(cfg.PollInterval),
		intake.WithStabilityWindow(cfg.StabilityWindow),
		intake.WithExtensions(cfg.AllowedExtensions),
		intake.WithJournal(o.journal),
	)

	opts := []worker.Option{
		worker.WithJournal(o.journal),
		worker.WithTrigger(deps.Trigger),
		worker.WithResultWriter(deps.Results),
	}
	if deps.Limiter != nil {
		opts = append(opts, worker.WithLimiter(deps.Limiter))
	}
	o.proc = worker.NewProcessor(cfg, o.index, deps.Extractor, logger.With("component", "worker"), opts...)
	o.pool = worker.NewPool(o.proc, cfg.MaxParallelism, logger.With("component", "pool"))
	return o, nil
}

// Index exposes the processed index, mainly for status reporting.
func (o *Orchestrator) Index() *index.ProcessedIndex { return o.index }

// Journal is the (failure-tolerant) job journal.
func (o *Orchestrator) Journal() store.Journal { return o.journal }

// Run recovers interrupted work and then runs the pipeline until ctx ends.
// On shutdown the scanner stops first, the dispatcher is closed, in-flight
// jobs finish and the index is persisted.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered := 0
	if !o.recovered {
		n, err := o.Recover()
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		recovered = n
	}
	o.logger.Info("pipeline starting",
		"dispatcher", o.dispatcher.Kind(),
		"workers", o.pool.Size(),
		"channel_capacity", o.inproc.Cap(),
		"recovered", recovered,
		"indexed", o.index.Len(),
	)

	if o.cfg.WatchFS {
		if err := intake.Watch(ctx, o.cfg.Layout.Incoming, watchDebounce, o.scanner.Wake, o.logger); err != nil {
			o.logger.Warn("filesystem watch unavailable, polling only", "error", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		err := o.scanner.Run(ctx)
		if cerr := o.dispatcher.Close(); cerr != nil {
			o.logger.Warn("close dispatcher", "error", cerr)
		}
		return err
	})
	g.Go(func() error {
		o.pool.RunChannel(ctx, o.inproc.Messages(), o.scanner.Defer)
		return nil
	})
	g.Go(func() error {
		o.sweepLoop(ctx)
		return nil
	})
	if o.durable != nil {
		g.Go(func() error {
			o.pool.RunDurable(ctx, o.durable.Queue(), o.cfg.PollInterval, o.cfg.PollInterval)
			return nil
		})
	}
	err := g.Wait()

	if perr := o.index.Persist(); perr != nil {
		o.logger.Error("final index persist failed", "error", perr)
		err = errors.Join(err, perr)
	}
	o.logger.Info("pipeline stopped", "indexed", o.index.Len())
	return err
}

// Recover returns anything a previous run left in processing to staging and
// queues every staged job for the first pass. It returns the number of jobs
// queued. Run calls it unless it already ran.
func (o *Orchestrator) Recover() (int, error) {
	o.recovered = true
	layout := o.cfg.Layout
	leftover, err := fsutil.List(layout.Processing)
	if err != nil {
		return 0, err
	}
	for _, e := range leftover {
		if _, err := fsutil.Move(e.Path, layout.Staging); err != nil {
			o.logger.Error("could not return interrupted file to staging", "path", e.Path, "error", err)
			continue
		}
		o.logger.Warn("interrupted job returned to staging", "file", e.Name)
	}

	staged, err := fsutil.List(layout.Staging)
	if err != nil {
		return 0, err
	}
	claimed := map[string]struct{}{}
	var descriptors []string
	for _, e := range staged {
		if !models.IsDescriptor(e.Name) {
			continue
		}
		descriptors = append(descriptors, e.Path)
		d, err := intake.ReadDescriptor(e.Path)
		if err != nil {
			// Still dispatched: the worker settles it in failed.
			continue
		}
		for _, f := range d.Files {
			claimed[filepath.Clean(f)] = struct{}{}
		}
	}

	var loose []fsutil.Entry
	for _, e := range staged {
		if models.IsDescriptor(e.Name) {
			continue
		}
		if _, ok := claimed[filepath.Clean(e.Path)]; ok {
			continue
		}
		loose = append(loose, e)
	}

	queued := o.regroup(loose)
	for _, d := range descriptors {
		o.scanner.Defer(d)
		queued++
	}
	if queued > 0 {
		o.logger.Info("staged jobs queued for redispatch", "count", queued)
	}
	return queued, nil
}

// regroup pairs loose staged files, writing fresh descriptors, and defers
// every resulting job. It returns the number of jobs deferred.
func (o *Orchestrator) regroup(loose []fsutil.Entry) int {
	queued := 0
	for _, c := range intake.Resolve(loose) {
		if c.Kind == models.KindPair {
			desc, err := intake.WriteDescriptor(o.cfg.Layout.Staging, []string{c.Files[0].Path, c.Files[1].Path})
			if err != nil {
				o.logger.Error("could not rebuild pair descriptor, members go as singles", "primary", c.Files[0].Name, "error", err)
				for _, f := range c.Files {
					o.scanner.Defer(f.Path)
					queued++
				}
				continue
			}
			o.scanner.Defer(desc)
			queued++
			continue
		}
		o.scanner.Defer(c.Files[0].Path)
		queued++
	}
	return queued
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	suspects := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			suspects = o.sweepOrphans(suspects)
		}
	}
}

// sweepOrphans returns files left in processing by a job that could not
// restage them. A file is reclaimed only when no running job owns it on two
// consecutive sweeps, which covers the gap between a claim's rename and its
// registration. Orphaned descriptors are settled in processed and their
// members regrouped. It returns the suspects for the next sweep.
func (o *Orchestrator) sweepOrphans(suspects map[string]struct{}) map[string]struct{} {
	layout := o.cfg.Layout
	entries, err := fsutil.List(layout.Processing)
	if err != nil {
		o.logger.Warn("orphan sweep could not list processing", "error", err)
		return suspects
	}
	next := map[string]struct{}{}
	reclaimed := map[string]struct{}{}
	for _, e := range entries {
		if o.proc.Owns(e.Path) {
			continue
		}
		if _, seen := suspects[e.Path]; !seen {
			next[e.Path] = struct{}{}
			continue
		}
		dir := layout.Staging
		if models.IsDescriptor(e.Name) {
			dir = layout.Processed
		}
		dst, err := fsutil.Move(e.Path, dir)
		if err != nil {
			o.logger.Error("could not reclaim orphaned file", "path", e.Path, "error", err)
			next[e.Path] = struct{}{}
			continue
		}
		telemetry.OrphansReclaimed.Inc()
		o.logger.Warn("orphaned file reclaimed", "file", e.Name, "dest", dir)
		if dir == layout.Staging {
			reclaimed[filepath.Clean(dst)] = struct{}{}
		}
	}
	if len(reclaimed) == 0 {
		return next
	}
	staged, err := fsutil.List(layout.Staging)
	if err != nil {
		o.logger.Error("could not list staging after reclaim", "error", err)
		return next
	}
	var loose []fsutil.Entry
	for _, e := range staged {
		if _, ok := reclaimed[filepath.Clean(e.Path)]; ok {
			loose = append(loose, e)
		}
	}
	o.regroup(loose)
	return next
}

// DurableStatus reports the broker side when the durable dispatcher is used.
type DurableStatus struct {
	Ready    int64 `json:"ready"`
	Inflight int64 `json:"inflight"`
	DLQ      int64 `json:"dlq"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Dispatcher   string           `json:"dispatcher"`
	IndexSize    int              `json:"index_size"`
	QueueDepth   int              `json:"queue_depth"`
	QueueCap     int              `json:"queue_capacity"`
	InFlight     int64            `json:"in_flight"`
	Workers      int              `json:"workers"`
	Deferred     int              `json:"deferred"`
	JournalState map[string]int64 `json:"journal,omitempty"`
	Durable      *DurableStatus   `json:"durable,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context) Status {
	st := Status{
		Dispatcher: o.dispatcher.Kind(),
		IndexSize:  o.index.Len(),
		QueueDepth: o.inproc.Len(),
		QueueCap:   o.inproc.Cap(),
		InFlight:   o.pool.InFlight(),
		Workers:    o.pool.Size(),
		Deferred:   o.scanner.Pending(),
	}
	if counts, err := o.journal.Counts(ctx); err == nil {
		st.JournalState = counts
	} else {
		o.logger.Warn("journal counts unavailable", "error", err)
	}
	if o.durable != nil {
		q := o.durable.Queue()
		ds := &DurableStatus{}
		ds.Ready, _ = q.ReadyDepth(ctx)
		ds.Inflight, _ = q.InflightDepth(ctx)
		ds.DLQ, _ = q.DLQDepth(ctx)
		st.Durable = ds
	}
	return st
}

// RecentJobs returns the newest journal entries.
func (o *Orchestrator) RecentJobs(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	return o.journal.Recent(ctx, limit)
}

// JobAudit returns the recorded transitions of one job.
func (o *Orchestrator) JobAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	return o.journal.Audit(ctx, jobID)
}

// DeadLetters peeks the durable DLQ. It is always empty in-process.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error) {
	if o.durable == nil {
		return []queue.DeadLetter{}, nil
	}
	return o.durable.Queue().DLQPeek(ctx, limit)
}

// Package worker turns staged jobs into results: it moves the job through
// processing, deduplicates by content, extracts with bounded retries and
// settles the files in processed or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"document-intake/internal/archive"
	"document-intake/internal/config"
	"document-intake/internal/enrich"
	"document-intake/internal/extract"
	"document-intake/internal/fingerprint"
	"document-intake/internal/fsutil"
	"document-intake/internal/index"
	"document-intake/internal/intake"
	"document-intake/internal/models"
	"document-intake/internal/ratelimit"
	"document-intake/internal/store"
	"document-intake/internal/telemetry"
)

var (
	// ErrMalformedDescriptor marks a pair descriptor that cannot be parsed.
	// It is terminal: the descriptor goes to failed and is never retried.
	ErrMalformedDescriptor = errors.New("malformed pair descriptor")
	// ErrTransient marks a job that must stay staged and be retried later.
	ErrTransient = errors.New("transient")
)

// Outcome is how a job ended.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDeferred means the job is back in staging, at Result.Restaged.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the job's files were already gone.
	OutcomeSkipped Outcome = "skipped"
)

// Result summarizes one Process call.
type Result struct {
	JobID       string
	Kind        models.JobKind
	Outcome     Outcome
	Fingerprint string
	Attempts    int
	ResultPath  string
	Restaged    string
	// Files are where the inputs settled, in processed or failed.
	Files       []string
	Err         error
}

// ResultWriter persists a result record. archive.Writer implements it.
type ResultWriter interface {
	Write(ctx context.Context, name, fingerprint string, record any) (string, error)
}

// Processor runs one job at a time per call; it is safe for concurrent use.
type Processor struct {
	layout         config.Layout
	index          *index.ProcessedIndex
	extractor      extract.Extractor
	results        ResultWriter
	trigger        enrich.Trigger
	journal        store.Journal
	limiter        ratelimit.Limiter
	maxRetries     int
	baseDelay      time.Duration
	extractTimeout time.Duration
	enrichTimeout  time.Duration
	logger         *slog.Logger

	claims sync.Map // processing paths held by running jobs
}

type Option func(*Processor)

func WithResultWriter(w ResultWriter) Option {
	return func(p *Processor) {
		if w != nil {
			p.results = w
		}
	}
}

func WithTrigger(t enrich.Trigger) Option {
	return func(p *Processor) {
		if t != nil {
			p.trigger = t
		}
	}
}

func WithJournal(j store.Journal) Option {
	return func(p *Processor) {
		if j != nil {
			p.journal = j
		}
	}
}

// WithLimiter gates every extractor attempt on l.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Processor) { p.limiter = l }
}

func NewProcessor(cfg config.Config, idx *index.ProcessedIndex, ex extract.Extractor, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		layout:         cfg.Layout,
		index:          idx,
		extractor:      ex,
		results:        archive.NewWriter(cfg.Layout.Processed, nil, logger),
		trigger:        enrich.Noop{},
		journal:        store.Noop{},
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.RetryBaseDelay,
		extractTimeout: cfg.ExtractTimeout,
		enrichTimeout:  cfg.EnrichTimeout,
		logger:         logger,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// job is the in-flight state of one Process call.
type job struct {
	models.Job
	desc string   // descriptor path while it is back in staging
	left []string // pair members never claimed, still in staging
	held []string
	log  *slog.Logger
}

// Owns reports whether a running job holds path in processing.
func (p *Processor) Owns(path string) bool {
	_, ok := p.claims.Load(filepath.Clean(path))
	return ok
}

func (p *Processor) hold(j *job, path string) {
	path = filepath.Clean(path)
	p.claims.Store(path, struct{}{})
	j.held = append(j.held, path)
}

func (p *Processor) release(j *job) {
	for _, path := range j.held {
		p.claims.Delete(path)
	}
	j.held = nil
}

// Process runs msg to completion. Per-job errors end up in the Result, never
// in a returned error.
func (p *Processor) Process(ctx context.Context, msg models.Message) Result {
	j := &job{Job: models.Job{ID: msg.ID, Kind: models.KindSingle, Source: msg.Path}}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if models.IsDescriptor(msg.Path) {
		j.Kind = models.KindPair
	}
	j.log = p.logger.With("job_id", j.ID, "kind", j.Kind, "path", msg.Path)
	defer p.release(j)

	var res Result
	if j.Kind == models.KindPair {
		res = p.claimPair(ctx, j)
	} else {
		res = p.claimSingle(ctx, j)
	}
	if res.Outcome == "" {
		p.record(ctx, j, models.StateProcessing, "", 0, nil)
		res = p.run(ctx, j)
	}
	res.JobID, res.Kind = j.ID, j.Kind
	telemetry.JobsCompleted.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

// claimSingle moves the file into processing. A non-empty outcome ends the job.
func (p *Processor) claimSingle(ctx context.Context, j *job) Result {
	moved, err := fsutil.Move(j.Source, p.layout.Processing)
	if err != nil {
		return p.claimFailed(ctx, j, err)
	}
	p.hold(j, moved)
	j.Paths = []string{moved}
	return Result{}
}

// claimPair moves the descriptor into processing, parses it and moves both
// members after it. The descriptor itself is settled in processed.
func (p *Processor) claimPair(ctx context.Context, j *job) Result {
	desc, err := fsutil.Move(j.Source, p.layout.Processing)
	if err != nil {
		return p.claimFailed(ctx, j, err)
	}
	p.hold(j, desc)
	d, err := intake.ReadDescriptor(desc)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
		j.log.Error("pair descriptor rejected", "error", err)
		if _, merr := fsutil.Move(desc, p.layout.Failed); merr != nil {
			j.log.Error("could not move descriptor to failed", "error", merr)
		}
		p.record(ctx, j, models.StateFailed, "", 0, err)
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	var moved []string
	for i, member := range d.Files {
		m, err := fsutil.Move(member, p.layout.Processing)
		if errors.Is(err, os.ErrNotExist) {
			j.log.Warn("pair member missing, continuing without it", "member", member)
			continue
		}
		if err != nil {
			j.log.Warn("pair member busy, deferring", "member", member, "error", err)
			j.Paths = moved
			j.left = d.Files[i:]
			p.returnDescriptor(j, desc)
			return p.restage(ctx, j, fmt.Errorf("%w: %w", ErrTransient, err))
		}
		p.hold(j, m)
		moved = append(moved, m)
	}
	j.Paths = moved
	if _, err := fsutil.Move(desc, p.layout.Processed); err != nil {
		j.log.Warn("could not settle descriptor", "error", err)
	}
	if len(moved) == 0 {
		j.log.Info("pair members already gone")
		return Result{Outcome: OutcomeSkipped}
	}
	return Result{}
}

func (p *Processor) returnDescriptor(j *job, desc string) {
	back, err := fsutil.Move(desc, p.layout.Staging)
	if err != nil {
		j.log.Warn("could not return descriptor, a new one will be written", "error", err)
		return
	}
	j.desc = back
}

func (p *Processor) claimFailed(ctx context.Context, j *job, err error) Result {
	if errors.Is(err, os.ErrNotExist) {
		j.log.Info("job source already gone")
		return Result{Outcome: OutcomeSkipped}
	}
	j.log.Warn("could not claim staged job", "error", err)
	p.record(ctx, j, models.StateDeferred, "", 0, err)
	return Result{Outcome: OutcomeDeferred, Restaged: j.Source, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
}

// run processes a claimed job whose members sit in processing.
func (p *Processor) run(ctx context.Context, j *job) Result {
	fp, _, err := fingerprint.Files(j.Paths...)
	if err != nil {
		return p.restage(ctx, j, fmt.Errorf("%w: fingerprint: %w", ErrTransient, err))
	}
	j.log = j.log.With("fingerprint", fp)

	if p.index.Contains(fp) {
		j.log.Info("duplicate content, already processed")
		files := p.settle(j, p.layout.Processed)
		p.record(ctx, j, models.StateDuplicate, fp, 0, nil)
		return Result{Outcome: OutcomeDuplicate, Fingerprint: fp, Files: files}
	}

	var (
		parts    []models.ResultRecord
		attempts int
		lastErr  error
	)
	for _, member := range j.Paths {
		rec, n, err := p.extractWithRetry(ctx, j.log.With("member", filepath.Base(member)), member)
		attempts += n
		if errors.Is(err, ErrTransient) {
			return p.restage(ctx, j, err)
		}
		if err != nil {
			lastErr = err
			continue
		}
		parts = append(parts, rec)
	}
	if len(parts) == 0 {
		j.log.Error("extraction failed, job moved to failed", "attempts", attempts, "error", lastErr)
		files := p.settle(j, p.layout.Failed)
		p.record(ctx, j, models.StateFailed, fp, attempts, lastErr)
		return Result{Outcome: OutcomeFailed, Fingerprint: fp, Attempts: attempts, Files: files, Err: lastErr}
	}
	if lastErr != nil {
		j.log.Warn("pair member failed, merging the survivor", "error", lastErr)
	}
	return p.succeed(ctx, j, fp, parts, attempts)
}

// extractWithRetry makes up to maxRetries+1 attempts on path. Cancellation
// during back-off or a rate-limit wait yields an ErrTransient error.
func (p *Processor) extractWithRetry(ctx context.Context, log *slog.Logger, path string) (models.ResultRecord, int, error) {
	var lastErr error
	total := p.maxRetries + 1
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff(p.baseDelay, attempt-1)); err != nil {
				return models.ResultRecord{}, attempt - 1, fmt.Errorf("%w: interrupted during back-off: %w", ErrTransient, err)
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return models.ResultRecord{}, attempt - 1, fmt.Errorf("%w: interrupted during rate-limit wait: %w", ErrTransient, err)
				}
				log.Warn("rate limiter unavailable, proceeding", "error", err)
			}
		}
		rec, err := p.attempt(ctx, path)
		if err == nil {
			log.Info("extraction succeeded", "attempt", attempt, "engine", rec.Engine)
			return rec, attempt, nil
		}
		lastErr = err
		log.Warn("extraction attempt failed", "attempt", attempt, "of", total, "error", err)
	}
	return models.ResultRecord{}, total, lastErr
}

// attempt runs the extractor once. The call is not aborted by shutdown, only
// by the extract timeout.
func (p *Processor) attempt(ctx context.Context, path string) (models.ResultRecord, error) {
	actx := context.WithoutCancel(ctx)
	if p.extractTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, p.extractTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := p.extractor.Extract(actx, path)
	elapsed := time.Since(start)
	telemetry.ExtractDuration.Observe(elapsed.Seconds())
	if err != nil {
		telemetry.ExtractAttempts.WithLabelValues("error").Inc()
		return models.ResultRecord{}, err
	}
	if !res.Success {
		telemetry.ExtractAttempts.WithLabelValues("unsuccessful").Inc()
		return models.ResultRecord{}, fmt.Errorf("extractor reported failure: %s", res.ErrorMessage)
	}
	telemetry.ExtractAttempts.WithLabelValues("success").Inc()
	meta := res.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return models.ResultRecord{
		ImageUrl:              filepath.Base(path),
		Engine:                res.Engine,
		ProcessingTimeSeconds: elapsed.Seconds(),
		PlainText:             res.PlainText,
		Markdown:              res.Markdown,
		Metadata:              meta,
	}, nil
}

// succeed persists the result, records the fingerprint, settles the inputs
// and fires enrichment, in that order.
func (p *Processor) succeed(ctx context.Context, j *job, fp string, parts []models.ResultRecord, attempts int) Result {
	var record any
	if j.Kind == models.KindPair {
		record = models.Merge(parts, fp)
	} else {
		rec := parts[0]
		rec.Fingerprint = fp
		record = rec
	}
	name := filepath.Base(j.Paths[0]) + ".result"
	resultPath, err := p.results.Write(context.WithoutCancel(ctx), name, fp, record)
	if err != nil {
		j.log.Error("could not write result record", "error", err)
		return p.restage(ctx, j, fmt.Errorf("%w: write result: %w", ErrTransient, err))
	}

	_ = p.index.Record(fp)
	telemetry.IndexSize.Set(float64(p.index.Len()))
	inputs := p.settle(j, p.layout.Processed)

	ev := enrich.Event{JobID: j.ID, Kind: j.Kind, Fingerprint: fp, ResultPath: resultPath, Inputs: inputs, At: time.Now().UTC()}
	ectx := context.WithoutCancel(ctx)
	if p.enrichTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ectx, p.enrichTimeout)
		defer cancel()
	}
	if err := p.trigger.Trigger(ectx, ev); err != nil {
		telemetry.EnrichFailures.Inc()
		j.log.Warn("enrichment trigger failed", "error", err)
	}

	p.record(ctx, j, models.StateProcessed, fp, attempts, nil)
	j.log.Info("job processed", "attempts", attempts, "result", resultPath)
	return Result{Outcome: OutcomeProcessed, Fingerprint: fp, Attempts: attempts, ResultPath: resultPath, Files: inputs}
}

// settle moves every member into dir and returns their new paths. A member
// that cannot be moved stays where it is and is logged.
func (p *Processor) settle(j *job, dir string) []string {
	out := make([]string, 0, len(j.Paths))
	for _, m := range j.Paths {
		dst, err := fsutil.Move(m, dir)
		if err != nil {
			j.log.Error("could not move file", "file", m, "dest", dir, "error", err)
			continue
		}
		out = append(out, dst)
	}
	return out
}

// restage returns the claimed members to staging. A pair gets a fresh
// descriptor, covering any member never claimed, unless its old one made it
// back. Files that cannot be moved stay in processing for the orphan sweep.
func (p *Processor) restage(ctx context.Context, j *job, cause error) Result {
	var (
		staged []string
		errs   []error
	)
	for _, m := range j.Paths {
		s, err := fsutil.Move(m, p.layout.Staging)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		staged = append(staged, s)
	}
	res := Result{Outcome: OutcomeDeferred, Err: cause}
	if err := errors.Join(errs...); err != nil {
		j.log.Error("could not restage job, the orphan sweep will pick it up", "error", err)
		p.record(ctx, j, models.StateDeferred, "", 0, err)
		return res
	}

	members := append(staged, j.left...)
	switch {
	case j.desc != "":
		res.Restaged = j.desc
	case j.Kind == models.KindPair && len(members) == 2:
		desc, err := intake.WriteDescriptor(p.layout.Staging, members)
		if err != nil {
			j.log.Error("could not rewrite pair descriptor", "error", err)
			return res
		}
		res.Restaged = desc
	case len(members) == 1:
		res.Restaged = members[0]
	}
	j.log.Info("job deferred", "restaged", res.Restaged, "reason", cause)
	p.record(ctx, j, models.StateDeferred, "", 0, cause)
	return res
}

func (p *Processor) record(ctx context.Context, j *job, state, fp string, attempts int, err error) {
	e := models.JournalEntry{
		JobID:       j.ID,
		Kind:        j.Kind,
		Path:        j.Source,
		Fingerprint: fp,
		State:       state,
		Attempts:    attempts,
		RecordedAt:  time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	_ = p.journal.Record(context.WithoutCancel(ctx), e)
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"document-intake/internal/models"
	"document-intake/internal/queue"
	"document-intake/internal/telemetry"
)

// JobRunner processes one dispatch message. *Processor implements it.
type JobRunner interface {
	Process(ctx context.Context, msg models.Message) Result
}

// Pool runs a fixed number of workers. Every consumer, in-process or
// durable, shares one semaphore, so at most size jobs run at once.
type Pool struct {
	runner JobRunner
	size   int
	sem    *semaphore.Weighted
	logger *slog.Logger

	inflight atomic.Int64
}

func NewPool(runner JobRunner, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{runner: runner, size: size, sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

// Size is the number of concurrent job slots.
func (p *Pool) Size() int { return p.size }

// InFlight is the number of jobs running right now.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// RunChannel drains msgs with size workers until msgs is closed or ctx ends.
// A worker that has started a job finishes it before exiting. Deferred jobs
// are handed to onDefer with their restaged path.
func (p *Pool) RunChannel(ctx context.Context, msgs <-chan models.Message, onDefer func(path string)) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := p.logger.With("worker", id)
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if ctx.Err() != nil {
						// Its files are still in staging; the next start recovers them.
						return
					}
					res := p.run(ctx, log, msg)
					if res.Outcome == OutcomeDeferred && res.Restaged != "" && onDefer != nil {
						onDefer(res.Restaged)
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

// RunDurable consumes q with size workers until ctx ends. Messages are acked
// only once processed, dead-lettered when they can never succeed, and
// rescheduled after redeliverAfter when deferred.
func (p *Pool) RunDurable(ctx context.Context, q *queue.RedisQueue, pollInterval, redeliverAfter time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx, q, pollInterval)
	}()
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := p.logger.With("worker", id, "queue", "durable")
			for ctx.Err() == nil {
				raw, err := q.DequeueWithLease(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("dequeue failed", "error", err)
					}
					_ = sleep(ctx, pollInterval)
					continue
				}
				if raw == "" {
					_ = sleep(ctx, pollInterval)
					continue
				}
				p.deliver(ctx, log, q, raw, redeliverAfter)
			}
		}(i)
	}
	wg.Wait()
}

// maintain promotes due scheduled messages and reclaims expired leases.
func (p *Pool) maintain(ctx context.Context, q *queue.RedisQueue, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		now := time.Now()
		if n, err := q.PromoteScheduled(ctx, now, 100); err == nil && n > 0 {
			p.logger.Debug("scheduled messages promoted", "count", n)
		}
		if n, err := q.RequeueExpired(ctx, now, 100); err == nil && n > 0 {
			p.logger.Warn("expired leases requeued", "count", n)
		}
		if depth, err := q.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) deliver(ctx context.Context, log *slog.Logger, q *queue.RedisQueue, raw string, redeliverAfter time.Duration) {
	// Settling the message must survive shutdown, or a finished job is redelivered.
	bg := context.WithoutCancel(ctx)
	msg, err := models.DecodeMessage([]byte(raw))
	if err != nil {
		log.Error("undecodable message dead-lettered", "error", err)
		if err := q.DeadLetter(bg, raw, err); err != nil {
			log.Error("dead-letter failed", "error", err)
		}
		return
	}

	stop := p.extendLease(ctx, log, q, raw)
	res := p.run(ctx, log, msg)
	stop()

	switch res.Outcome {
	case OutcomeProcessed, OutcomeDuplicate, OutcomeSkipped:
		err = q.Ack(bg, raw)
	case OutcomeFailed:
		err = q.DeadLetter(bg, raw, res.Err, res.Files...)
	case OutcomeDeferred:
		if res.Restaged == "" {
			// Files are stuck in processing; the orphan sweep owns them now.
			err = q.Ack(bg, raw)
			break
		}
		next := models.Message{ID: msg.ID, Path: res.Restaged}
		var enc []byte
		if enc, err = next.Encode(); err == nil {
			err = q.Nack(bg, raw, string(enc), time.Now().Add(redeliverAfter))
		}
	}
	if err != nil {
		log.Error("could not settle durable message", "job_id", msg.ID, "outcome", res.Outcome, "error", err)
	}
}

// extendLease keeps raw's lease alive while its job runs.
func (p *Pool) extendLease(ctx context.Context, log *slog.Logger, q *queue.RedisQueue, raw string) func() {
	vis := q.VisibilityTimeout()
	if vis <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(vis / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.ExtendLease(ctx, raw, vis); err != nil && ctx.Err() == nil {
					log.Warn("lease extension failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// run holds a semaphore slot for one job. A panic fails the job but never
// the worker.
func (p *Pool) run(ctx context.Context, log *slog.Logger, msg models.Message) (res Result) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{JobID: msg.ID, Outcome: OutcomeDeferred, Restaged: msg.Path, Err: err}
	}
	defer p.sem.Release(1)
	p.inflight.Add(1)
	telemetry.InFlight.Inc()
	defer func() {
		p.inflight.Add(-1)
		telemetry.InFlight.Dec()
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "job_id", msg.ID, "path", msg.Path, "panic", r, "stack", string(debug.Stack()))
			res = Result{JobID: msg.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.runner.Process(ctx, msg)
}

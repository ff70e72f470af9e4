package queue

import (
	"context"
	"fmt"
	"log/slog"

	"document-intake/internal/models"
	"document-intake/internal/telemetry"
)

// Durable publishes to Redis and falls back to an in-process channel when the
// broker rejects a publish, so a Redis outage degrades to local dispatch
// instead of losing work.
type Durable struct {
	q        *RedisQueue
	fallback *InProcess
	logger   *slog.Logger
}

// NewDurable wraps q with fallback.
func NewDurable(q *RedisQueue, fallback *InProcess, logger *slog.Logger) *Durable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Durable{q: q, fallback: fallback, logger: logger}
}

func (d *Durable) Publish(ctx context.Context, msg models.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := d.q.Enqueue(ctx, string(raw)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn("durable publish failed, using in-process fallback", "path", msg.Path, "error", err)
		telemetry.DispatchFallbacks.Inc()
		return d.fallback.Publish(ctx, msg)
	}
	return nil
}

// Queue exposes the broker for consumers and operators.
func (d *Durable) Queue() *RedisQueue { return d.q }

func (d *Durable) Kind() string { return "durable" }

func (d *Durable) Close() error {
	return d.fallback.Close()
}

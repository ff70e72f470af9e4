package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"document-intake/internal/config"
)

// RedisQueue keeps ready, in-flight and scheduled dispatch messages in Redis.
// Members are the raw encoded messages, so every message must be unique
// (messages carry a uuid).
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// DeadLetter is one DLQ entry. Files are where the job's inputs settled,
// normally in failed; they are what a requeue hands back to intake.
type DeadLetter struct {
	Message string    `json:"Message"`
	Error   string    `json:"Error"`
	Files   []string  `json:"Files,omitempty"`
	At      time.Time `json:"At"`
}

// NewRedisClient builds the shared client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client using the configured key names.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "intake"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// VisibilityTimeout is the lease length granted by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Enqueue appends a message to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, raw string) error {
	return q.client.RPush(ctx, q.readyKey, raw).Err()
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, which is what makes delivery
// at-least-once across worker crashes.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

// moveDue runs as one script so a message acked between the range read and
// the push is never resurrected.
func (q *RedisQueue) moveDue(ctx context.Context, key string, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{key, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DequeueWithLease pops the oldest ready message and records it in-flight
// until the visibility timeout. An empty string means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return raw, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, raw string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: raw,
	}).Err()
}

// Ack removes a message from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, raw string) error {
	return q.client.ZRem(ctx, q.inflightKey, raw).Err()
}

// Nack acknowledges raw and schedules replacement for redelivery at runAt in
// one transaction.
func (q *RedisQueue) Nack(ctx context.Context, raw, replacement string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, raw)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: replacement})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter acknowledges raw and appends it to the DLQ with the reason and
// the settled locations of the job's files.
func (q *RedisQueue) DeadLetter(ctx context.Context, raw string, reason error, files ...string) error {
	entry := DeadLetter{Message: raw, Files: files, At: time.Now().UTC()}
	if reason != nil {
		entry.Error = reason.Error()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, raw)
	pipe.RPush(ctx, q.dlqKey, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered entries, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		return []DeadLetter{}, nil
	}
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, r := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			dl = DeadLetter{Message: r, Error: "undecodable dead letter"}
		}
		out = append(out, dl)
	}
	return out, nil
}

// DLQRequeue hands up to limit dead letters that carry files to restore and
// removes each one restore accepts. Replaying the message itself would be
// useless: its staged path is gone once the job settled. Entries without
// files stay in the DLQ. It returns how many were requeued.
func (q *RedisQueue) DLQRequeue(ctx context.Context, limit int, restore func(DeadLetter) error) (int, error) {
	if restore == nil {
		return 0, errors.New("dlq requeue needs a restore func")
	}
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, r := range raws {
		if moved >= limit {
			break
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil || len(dl.Files) == 0 {
			continue
		}
		if err := restore(dl); err != nil {
			return moved, fmt.Errorf("restore dead letter: %w", err)
		}
		if err := q.client.LRem(ctx, q.dlqKey, 1, r).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DLQDepth returns the number of dead letters.
func (q *RedisQueue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns the number of leased messages.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('RPUSH', KEYS[2], m)
  end
end
return #due
`)

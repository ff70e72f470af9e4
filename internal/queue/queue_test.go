package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.Config{QueueName: "test", DLQName: "test:dlq", VisibilityTimeout: time.Minute}), mr
}

func TestInProcessBlocksWhenFull(t *testing.T) {
	d := NewInProcess(2)
	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, models.Message{Path: "a"}))
	require.NoError(t, d.Publish(ctx, models.Message{Path: "b"}))

	done := make(chan error, 1)
	go func() { done <- d.Publish(ctx, models.Message{Path: "c"}) }()

	select {
	case err := <-done:
		t.Fatalf("publish on a full channel returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got := <-d.Messages()
	assert.Equal(t, "a", got.Path)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after a slot freed")
	}
	assert.Equal(t, 2, d.Len())
}

func TestInProcessPublishHonoursCancel(t *testing.T) {
	d := NewInProcess(1)
	require.NoError(t, d.Publish(context.Background(), models.Message{Path: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Publish(ctx, models.Message{Path: "b"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestInProcessClose(t *testing.T) {
	d := NewInProcess(2)
	require.NoError(t, d.Publish(context.Background(), models.Message{Path: "a"}))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.Publish(context.Background(), models.Message{Path: "b"}), ErrClosed)
	msg, ok := <-d.Messages()
	assert.True(t, ok)
	assert.Equal(t, "a", msg.Path)
	_, ok = <-d.Messages()
	assert.False(t, ok)
}

func TestRedisQueueLeaseAckAndExpiry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "m1"))
	require.NoError(t, q.Enqueue(ctx, "m2"))

	raw, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", raw)

	inflight, err := q.InflightDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, "m1"))
	inflight, _ = q.InflightDepth(ctx)
	assert.EqualValues(t, 0, inflight)

	raw, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", raw)

	// lease not yet expired
	n, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	depth, _ := q.ReadyDepth(ctx)
	assert.EqualValues(t, 1, depth)

	raw, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", raw)

	raw, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestRedisQueueNackSchedulesReplacement(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "old"))
	raw, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	runAt := time.Now().Add(time.Second)
	require.NoError(t, q.Nack(ctx, raw, "new", runAt))

	inflight, _ := q.InflightDepth(ctx)
	assert.EqualValues(t, 0, inflight)

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", raw)
}

func TestRedisQueueDeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, `{"Path":"/s/a.pdf"}`))
	raw, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, raw, errors.New("extraction failed"), "/f/a.pdf"))
	// undecodable messages never had files
	require.NoError(t, q.DeadLetter(ctx, "garbage", errors.New("invalid message")))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, raw, items[0].Message)
	assert.Equal(t, "extraction failed", items[0].Error)
	assert.Equal(t, []string{"/f/a.pdf"}, items[0].Files)
	assert.False(t, items[0].At.IsZero())

	inflight, _ := q.InflightDepth(ctx)
	assert.EqualValues(t, 0, inflight)

	var restored []string
	moved, err := q.DLQRequeue(ctx, 10, func(dl DeadLetter) error {
		restored = append(restored, dl.Files...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, []string{"/f/a.pdf"}, restored)

	items, err = q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "garbage", items[0].Message)

	// the stale message is not replayed
	ready, _ := q.ReadyDepth(ctx)
	assert.Zero(t, ready)
}

func TestRedisQueueRequeueKeepsEntryWhenRestoreFails(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.DeadLetter(ctx, "m", errors.New("failed"), "/f/a.pdf"))

	moved, err := q.DLQRequeue(ctx, 10, func(DeadLetter) error { return errors.New("disk full") })
	require.Error(t, err)
	assert.Zero(t, moved)
	depth, _ := q.DLQDepth(ctx)
	assert.EqualValues(t, 1, depth)

	_, err = q.DLQRequeue(ctx, 10, nil)
	require.Error(t, err)
}

func TestRedisQueueMoveDueHonoursScoreAndLimit(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, m))
		_, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, q.Ack(ctx, "b"))

	later := time.Now().Add(2 * time.Minute)
	n, err := q.RequeueExpired(ctx, later, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.RequeueExpired(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []string
	for {
		raw, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		if raw == "" {
			break
		}
		got = append(got, raw)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, got, "an acked message is never requeued")
}

func TestDurablePublishesToRedis(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	fallback := NewInProcess(4)
	d := NewDurable(q, fallback, nil)

	require.NoError(t, d.Publish(ctx, models.Message{ID: "1", Path: "/s/a.pdf"}))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.Equal(t, 0, fallback.Len())

	raw, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	msg, err := models.DecodeMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "/s/a.pdf", msg.Path)
}

func TestDurableFallsBackWhenBrokerDown(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()
	fallback := NewInProcess(4)
	d := NewDurable(q, fallback, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Publish(ctx, models.Message{ID: "1", Path: "/s/a.pdf"}))
	require.Equal(t, 1, fallback.Len())
	msg := <-fallback.Messages()
	assert.Equal(t, "/s/a.pdf", msg.Path)
	assert.Equal(t, "durable", d.Kind())
}

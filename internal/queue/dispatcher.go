package queue

import (
	"context"
	"errors"
	"sync"

	"document-intake/internal/models"
	"document-intake/internal/telemetry"
)

// ErrClosed is returned when publishing to a dispatcher that has shut down.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher is the publish side of the pipeline. Exactly one variant is
// selected at startup.
type Dispatcher interface {
	// Publish hands a staged path to the workers. It blocks while the
	// dispatcher is at capacity and returns early only when ctx is done.
	Publish(ctx context.Context, msg models.Message) error
	// Kind names the variant for status reporting.
	Kind() string
	// Close stops accepting publishes.
	Close() error
}

// InProcess is a bounded FIFO channel. A full channel blocks Publish, which
// is the pipeline's backpressure.
type InProcess struct {
	ch chan models.Message

	mu     sync.RWMutex
	closed bool
}

// NewInProcess builds a channel dispatcher holding at most capacity messages.
func NewInProcess(capacity int) *InProcess {
	if capacity <= 0 {
		capacity = 1
	}
	return &InProcess{ch: make(chan models.Message, capacity)}
}

func (d *InProcess) Publish(ctx context.Context, msg models.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.ch <- msg:
		telemetry.QueueDepth.Set(float64(len(d.ch)))
		return nil
	default:
	}
	telemetry.BackpressureWaits.Inc()
	select {
	case d.ch <- msg:
		telemetry.QueueDepth.Set(float64(len(d.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the consumer side. It is closed by Close.
func (d *InProcess) Messages() <-chan models.Message {
	return d.ch
}

// Len returns the number of queued messages.
func (d *InProcess) Len() int {
	return len(d.ch)
}

// Cap returns the channel capacity.
func (d *InProcess) Cap() int {
	return cap(d.ch)
}

func (d *InProcess) Kind() string { return "in_process" }

// Close closes the channel once. Queued messages stay readable.
func (d *InProcess) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	return nil
}

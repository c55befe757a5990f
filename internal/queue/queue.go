package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/pstn-voice-agent/internal/task"
)

var (
	// ErrQueueGone is returned for any operation on a destroyed or
	// never-created queue. This is a lifecycle error on the caller's side.
	ErrQueueGone = errors.New("session queue gone")

	// ErrQueueExists is returned when creating a queue for a call that
	// already has one.
	ErrQueueExists = errors.New("session queue already exists")

	// ErrQueueFull is returned when a publish would exceed the queue's
	// buffer. Delivery is at-least-once; publishers may retry.
	ErrQueueFull = errors.New("session queue full")
)

// Queue is the per-call FIFO delivery channel from adapters back into the
// orchestrator. Exactly one consumer (the call's orchestrator goroutine)
// receives from it.
type Queue struct {
	callID string
	ch     chan task.Result

	mu     sync.Mutex
	closed bool
}

// CallID returns the call this queue belongs to.
func (q *Queue) CallID() string {
	return q.callID
}

// Publish enqueues a result. Safe for concurrent use by multiple
// publishers. Returns ErrQueueGone after Destroy, ErrQueueFull if the
// buffer is exhausted.
func (q *Queue) Publish(res task.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("publish to call %s: %w", q.callID, ErrQueueGone)
	}

	select {
	case q.ch <- res:
		return nil
	default:
		return fmt.Errorf("publish to call %s: %w", q.callID, ErrQueueFull)
	}
}

// Results exposes the delivery channel for callers that need to select
// over it together with other signals. The channel is closed by Destroy.
func (q *Queue) Results() <-chan task.Result {
	return q.ch
}

// Receive blocks until a result is available, the timeout elapses, or ctx
// is cancelled. A zero timeout means wait indefinitely.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (task.Result, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res, ok := <-q.ch:
		if !ok {
			return task.Result{}, ErrQueueGone
		}
		return res, nil
	case <-timer:
		return task.Result{}, context.DeadlineExceeded
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

// close marks the queue destroyed. Pending buffered results are discarded.
func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Broker owns all per-call session queues. Creation is exclusive per call,
// destruction is idempotent only through the broker's bookkeeping: a second
// Destroy for the same call reports ErrQueueGone.
type Broker struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	logger   *slog.Logger
	capacity int
}

// NewBroker creates a session queue broker. capacity bounds each queue's
// buffered results; values below 1 fall back to 16.
func NewBroker(logger *slog.Logger, capacity int) *Broker {
	if capacity < 1 {
		capacity = 16
	}
	return &Broker{
		queues:   make(map[string]*Queue),
		logger:   logger,
		capacity: capacity,
	}
}

// Create allocates the session queue for a call. Creating a queue for a
// call that already has one is an error.
func (b *Broker) Create(callID string) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[callID]; exists {
		return nil, fmt.Errorf("create queue for call %s: %w", callID, ErrQueueExists)
	}

	q := &Queue{
		callID: callID,
		ch:     make(chan task.Result, b.capacity),
	}
	b.queues[callID] = q

	b.logger.Debug("Session queue created",
		slog.String("call_id", callID),
		slog.Int("capacity", b.capacity),
	)

	return q, nil
}

// Get returns the live queue for a call, if any.
func (b *Broker) Get(callID string) (*Queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[callID]
	return q, ok
}

// Publish delivers a result to a call's queue through the broker.
func (b *Broker) Publish(callID string, res task.Result) error {
	q, ok := b.Get(callID)
	if !ok {
		return fmt.Errorf("publish to call %s: %w", callID, ErrQueueGone)
	}
	return q.Publish(res)
}

// Destroy releases a call's queue. Safe to call once per call; a second
// call reports ErrQueueGone.
func (b *Broker) Destroy(callID string) error {
	b.mu.Lock()
	q, ok := b.queues[callID]
	if ok {
		delete(b.queues, callID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy queue for call %s: %w", callID, ErrQueueGone)
	}

	q.close()

	b.logger.Debug("Session queue destroyed", slog.String("call_id", callID))
	return nil
}

// Len returns the number of live queues.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues)
}

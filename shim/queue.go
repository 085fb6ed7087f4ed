package shim

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQueueCapacity bounds the number of pending actions.
	DefaultQueueCapacity = 10

	// DefaultShutdownGrace is how long Shutdown waits for the in-flight
	// action before giving up on the worker.
	DefaultShutdownGrace = 3 * time.Second
)

var (
	// ErrQueueFull is returned when an enqueue would exceed the queue's
	// capacity. The action is rejected, never silently dropped.
	ErrQueueFull = errors.New("action queue is full")

	// ErrQueueClosed is returned for submissions after shutdown has begun.
	ErrQueueClosed = errors.New("action queue is shut down")
)

// Queue is a bounded FIFO of pending actions drained by exactly one worker
// goroutine. The single consumer is the system's sole ordering mechanism:
// all database actions, across every application and transaction, execute
// strictly in submission order.
type Queue struct {
	logger   *slog.Logger
	dispatch func(*Action)

	mu      sync.Mutex
	actions chan *Action
	closed  bool

	done chan struct{}
}

// NewQueue creates the queue and starts its worker. dispatch is invoked for
// one action at a time; a panic inside dispatch is logged and does not stop
// the worker.
func NewQueue(capacity int, dispatch func(*Action), logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:   logger.With("component", "ActionQueue"),
		dispatch: dispatch,
		actions:  make(chan *Action, capacity),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds an action to the queue. It never blocks: when the queue is at
// capacity it fails with ErrQueueFull, after shutdown with ErrQueueClosed.
// The enqueue is serialized against Shutdown so the capacity check cannot
// race teardown.
func (q *Queue) Enqueue(a *Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Error("Enqueue after shutdown, ignoring action", "action", a.summary())
		return ErrQueueClosed
	}
	select {
	case q.actions <- a:
		return nil
	default:
		q.logger.Error("Action queue full", "action", a.summary())
		return ErrQueueFull
	}
}

// run is the single worker loop.
func (q *Queue) run() {
	defer close(q.done)
	for a := range q.actions {
		q.runOne(a)
	}
}

func (q *Queue) runOne(a *Action) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Panic while processing action", "action", a.summary(), "panic", r)
		}
	}()
	q.dispatch(a)
}

// Shutdown stops accepting new work, discards every action that has not yet
// started, and waits up to grace for the in-flight action to finish before
// releasing the worker. Discarded work is not retried.
func (q *Queue) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	discarded := 0
	for {
		select {
		case <-q.actions:
			discarded++
			continue
		default:
		}
		break
	}
	close(q.actions)
	q.mu.Unlock()

	if discarded > 0 {
		q.logger.Warn("Discarded queued actions on shutdown", "count", discarded)
	}

	select {
	case <-q.done:
	case <-time.After(grace):
		q.logger.Warn("Timed out waiting for in-flight action on shutdown")
	}
}

// Len reports the number of queued actions. Exposed for tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

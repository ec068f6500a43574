package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/telemetry"
)

// Entry is one evaluation waiting for a slot.
type Entry struct {
	ID         string
	Priority   bool
	EnqueuedAt time.Time
}

// Handler runs one dispatched entry. It holds its slot until it returns.
type Handler func(ctx context.Context, e Entry)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Slots    int `json:"slots"`
	Capacity int `json:"capacity"`
}

// Queue admits entries up to a capacity and runs at most Slots of them at
// once. Priority entries go ahead of ordinary ones but behind earlier
// priority entries; running work is never preempted.
type Queue struct {
	logger   *zap.Logger
	sink     telemetry.Sink
	capacity int
	slots    int

	mu      sync.Mutex
	entries []Entry
	running int
	closed  bool

	wake    chan struct{}
	wg      sync.WaitGroup
	onPanic func(e Entry, recovered any)
}

// Option configures a Queue.
type Option func(*Queue)

// WithSink sets the sink receiving queue stats events.
func WithSink(sink telemetry.Sink) Option {
	return func(q *Queue) {
		q.sink = sink
	}
}

// WithPanicHandler sets fn to run after a handler panics, so the entry can
// still be finalized. The slot is released after fn returns.
func WithPanicHandler(fn func(e Entry, recovered any)) Option {
	return func(q *Queue) {
		q.onPanic = fn
	}
}

// New creates a queue. capacity bounds queued plus running entries and
// slots bounds running entries.
func New(logger *zap.Logger, capacity, slots int, opts ...Option) (*Queue, error) {
	if slots < 1 {
		return nil, fmt.Errorf("slots must be at least 1, got %d", slots)
	}
	if capacity < slots {
		return nil, fmt.Errorf("queue capacity %d is below slot count %d", capacity, slots)
	}
	q := &Queue{
		logger:   logger.Named("dispatch"),
		sink:     telemetry.Nop,
		capacity: capacity,
		slots:    slots,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// statsLocked must be called with q.mu held.
func (q *Queue) statsLocked() Stats {
	return Stats{Queued: len(q.entries), Running: q.running, Slots: q.slots, Capacity: q.capacity}
}

func (q *Queue) emit(s Stats) {
	q.sink.Emit(telemetry.New(telemetry.EventQueueStats, "", map[string]any{
		"queued":  s.Queued,
		"running": s.Running,
	}))
}

// Submit enqueues e without blocking. It fails with queue_saturated when
// queued plus running entries reach capacity.
func (q *Queue) Submit(e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return evaluation.NewError(evaluation.ReasonEngineStopped, nil)
	}
	if len(q.entries)+q.running >= q.capacity {
		s := q.statsLocked()
		q.mu.Unlock()
		q.logger.Warn("queue saturated", zap.Int("queued", s.Queued), zap.Int("running", s.Running))
		return evaluation.NewError(evaluation.ReasonQueueSaturated,
			fmt.Errorf("%d queued, %d running, capacity %d", s.Queued, s.Running, s.Capacity))
	}

	idx := len(q.entries)
	if e.Priority {
		idx = 0
		for idx < len(q.entries) && q.entries[idx].Priority {
			idx++
		}
	}
	q.entries = append(q.entries, Entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	s := q.statsLocked()
	q.mu.Unlock()

	q.emit(s)
	q.notify()
	return nil
}

// Position returns the 1-based queue position of a queued entry.
func (q *Queue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			return i + 1, true
		}
	}
	return 0, false
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Run dispatches entries until ctx is cancelled. It blocks only while no
// slot is free or nothing is queued. Each entry runs in its own goroutine.
func (q *Queue) Run(ctx context.Context, handle Handler) error {
	for {
		q.mu.Lock()
		var dispatched []Entry
		for q.running < q.slots && len(q.entries) > 0 {
			e := q.entries[0]
			q.entries = q.entries[1:]
			q.running++
			dispatched = append(dispatched, e)
		}
		s := q.statsLocked()
		q.mu.Unlock()

		for _, e := range dispatched {
			q.wg.Add(1)
			go q.run(ctx, handle, e)
		}
		if len(dispatched) > 0 {
			q.emit(s)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) run(ctx context.Context, handle Handler, e Entry) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.running--
		s := q.statsLocked()
		q.mu.Unlock()
		q.emit(s)
		q.notify()
	}()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("evaluation handler panicked",
				zap.String("eval_id", e.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			if q.onPanic != nil {
				q.onPanic(e, r)
			}
		}
	}()
	handle(ctx, e)
}

// Drain closes the queue to new entries and returns what was still
// queued, in dispatch order.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	q.closed = true
	out := q.entries
	q.entries = nil
	s := q.statsLocked()
	q.mu.Unlock()
	q.emit(s)
	return out
}

// Wait blocks until every dispatched handler has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

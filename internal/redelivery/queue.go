// ============================================================================
// jobrelay Redelivery
// ============================================================================
//
// Package: internal/redelivery
// Purpose: at-least-once replay of failed post-hook notifications
//
// Flow:
//   coordinator post-hook round fails -> Queue.Enqueue
//   Replayer loop -> Queue.Pop (due items only) -> rate limiter ->
//   Coordinator.Redeliver -> ok | retry with backoff | drop
//
// The queue is bounded. On overflow the oldest pending item is dropped, so
// a handler that stays down cannot grow memory without limit.
//
// ============================================================================

package redelivery

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/notify"
)

// Redelivery outcomes, used as metric labels.
const (
	ResultOK        = "ok"
	ResultRetry     = "retry"
	ResultExhausted = "exhausted"
	ResultStale     = "stale"
	ResultGone      = "gone"
	ResultOverflow  = "overflow"
)

// Item is one pending redelivery.
type Item struct {
	Failure  *notify.HandlerFailure
	Attempts int       // redelivery attempts made so far
	NextAt   time.Time // not due before this instant
}

// Queue is a bounded FIFO of failed notifications. It implements
// coordinator.FailureSink.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	capacity int

	ready   chan struct{}
	dropped atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewQueue creates a queue holding at most capacity items (minimum 1).
func NewQueue(capacity int, logger *zap.Logger, m *metrics.Collector) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Enqueue adds a fresh failure, due immediately.
func (q *Queue) Enqueue(f *notify.HandlerFailure) {
	if f == nil {
		return
	}
	q.push(&Item{Failure: f, NextAt: q.now()})
}

// Requeue puts an item back after a failed attempt.
func (q *Queue) Requeue(it *Item) {
	q.push(it)
}

func (q *Queue) push(it *Item) {
	q.mu.Lock()
	var evicted *Item
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	q.pushed(evicted, depth)
}

// Restore puts back an item whose attempt was interrupted before it
// reached the handler. It keeps its place at the head of the queue; when
// the queue filled up meanwhile it is the oldest item and is dropped.
func (q *Queue) Restore(it *Item) {
	q.mu.Lock()
	var evicted *Item
	if len(q.items) >= q.capacity {
		evicted = it
	} else {
		q.items = append(q.items, nil)
		copy(q.items[1:], q.items)
		q.items[0] = it
	}
	depth := len(q.items)
	q.mu.Unlock()

	q.pushed(evicted, depth)
}

func (q *Queue) pushed(evicted *Item, depth int) {
	if evicted != nil {
		q.dropped.Add(1)
		q.metrics.RecordRedelivery(ResultOverflow)
		q.logger.Warn("redelivery queue full, dropping oldest notification",
			zap.String("hook", string(evicted.Failure.Hook)),
			zap.String("handler", evicted.Failure.Entry.Name),
			zap.String("job_id", string(evicted.Failure.JobID)),
			zap.Uint64("revision", evicted.Failure.Revision),
		)
	}
	q.metrics.SetRedeliveryQueueDepth(depth)

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the first due item in FIFO order, or nil when
// nothing is due.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, it := range q.items {
		if !it.NextAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.metrics.SetRedeliveryQueueDepth(len(q.items))
			return it
		}
	}
	return nil
}

// NextDue returns the time until the earliest pending item is due, zero if
// one is due now or the queue is empty.
func (q *Queue) NextDue() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var wait time.Duration
	for i, it := range q.items {
		d := it.NextAt.Sub(now)
		if d <= 0 {
			return 0
		}
		if i == 0 || d < wait {
			wait = d
		}
	}
	return wait
}

// Ready is signalled whenever an item is pushed.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were evicted by overflow.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

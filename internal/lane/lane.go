// Package lane provides per-job sequential lanes.
//
// A lane is the serialization point for every lifecycle transition of one
// job: a transition holds the lane from its pre-hook round through its
// post-hook round, so two transitions on the same job never overlap.
// Waiters are served in FIFO order and block cooperatively on a channel;
// lanes for different jobs are fully independent.
//
// Lanes are created lazily on first Acquire. A lane whose job is gone is
// retired by its last holder and reclaimed once nobody holds or waits on it.
package lane

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Observer receives lane wait timings. *metrics.Collector implements it.
type Observer interface {
	ObserveLaneWait(d time.Duration)
	SetActiveLanes(n int)
}

type lane struct {
	sem     *semaphore.Weighted // capacity 1; FIFO waiters
	refs    int                 // holder + waiters, guarded by Manager.mu
	retired bool
}

// Manager owns the lanes of every job.
type Manager struct {
	mu       sync.Mutex
	lanes    map[types.JobID]*lane
	observer Observer
}

// NewManager creates an empty lane manager. observer may be nil.
func NewManager(observer Observer) *Manager {
	return &Manager{
		lanes:    make(map[types.JobID]*lane),
		observer: observer,
	}
}

// Lease is exclusive ownership of one job's lane.
type Lease struct {
	m        *Manager
	id       types.JobID
	l        *lane
	released bool
}

// Acquire blocks until the lane for id is free or ctx is done. A context
// that is already done never acquires.
func (m *Manager) Acquire(ctx context.Context, id types.JobID) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	l, ok := m.lanes[id]
	if !ok {
		l = &lane{sem: semaphore.NewWeighted(1)}
		m.lanes[id] = l
		m.reportActiveLocked()
	}
	l.refs++
	m.mu.Unlock()

	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.dropRefLocked(id, l)
		m.mu.Unlock()
		return nil, err
	}
	if m.observer != nil {
		m.observer.ObserveLaneWait(time.Since(start))
	}

	return &Lease{m: m, id: id, l: l}, nil
}

// Release hands the lane to the next waiter. With retire set, the lane is
// reclaimed as soon as nobody else holds or waits on it. Calling Release
// more than once is a no-op.
func (ls *Lease) Release(retire bool) {
	if ls == nil || ls.released {
		return
	}
	ls.released = true

	m := ls.m
	m.mu.Lock()
	if retire {
		ls.l.retired = true
	}
	m.dropRefLocked(ls.id, ls.l)
	m.mu.Unlock()

	ls.l.sem.Release(1)
}

// JobID returns the job whose lane is held.
func (ls *Lease) JobID() types.JobID { return ls.id }

// Active returns the number of lanes currently tracked.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

func (m *Manager) dropRefLocked(id types.JobID, l *lane) {
	l.refs--
	if l.refs > 0 || !l.retired {
		return
	}
	if cur, ok := m.lanes[id]; ok && cur == l {
		delete(m.lanes, id)
		m.reportActiveLocked()
	}
}

func (m *Manager) reportActiveLocked() {
	if m.observer != nil {
		m.observer.SetActiveLanes(len(m.lanes))
	}
}

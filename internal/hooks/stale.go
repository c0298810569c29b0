package hooks

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// StaleGuard forwards notifications to next unless they are older than the
// newest one already handled for the job, or an exact repeat of one that
// was (same hook and revision). Redelivery is at-least-once; wrap handlers
// that are not idempotent in a StaleGuard.
//
// A notification is only remembered once next accepted it, so a failed
// delivery is not mistaken for a duplicate when it is replayed.
type StaleGuard struct {
	next   registry.Handler
	logger *zap.Logger

	mu   sync.Mutex
	seen map[types.JobID]*watermark

	dropped atomic.Int64
}

type watermark struct {
	revision uint64
	hooks    map[types.Hook]bool // hooks handled at revision
}

// NewStaleGuard wraps next.
func NewStaleGuard(next registry.Handler, logger *zap.Logger) *StaleGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaleGuard{
		next:   next,
		logger: logger,
		seen:   make(map[types.JobID]*watermark),
	}
}

// Name reports the wrapped handler's name.
func (g *StaleGuard) Name() string {
	if n, ok := g.next.(registry.Named); ok {
		return n.Name()
	}
	return "stale-guard"
}

// Tracked returns how many jobs currently have a watermark.
func (g *StaleGuard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Dropped returns how many notifications were discarded.
func (g *StaleGuard) Dropped() int64 { return g.dropped.Load() }

func (g *StaleGuard) OnJobCreating(ctx context.Context, job types.Job) error {
	return g.guard(types.HookCreating, job, func() error { return g.next.OnJobCreating(ctx, job) })
}

func (g *StaleGuard) OnJobCreated(ctx context.Context, job types.Job) error {
	return g.guard(types.HookCreated, job, func() error { return g.next.OnJobCreated(ctx, job) })
}

func (g *StaleGuard) OnJobDeleting(ctx context.Context, job types.Job) error {
	return g.guard(types.HookDeleting, job, func() error { return g.next.OnJobDeleting(ctx, job) })
}

func (g *StaleGuard) OnJobDeleted(ctx context.Context, job types.Job) error {
	return g.guard(types.HookDeleted, job, func() error { return g.next.OnJobDeleted(ctx, job) })
}

func (g *StaleGuard) OnJobAssignment(ctx context.Context, job types.Job, deviceScope string) error {
	return g.guard(types.HookAssignment, job, func() error { return g.next.OnJobAssignment(ctx, job, deviceScope) })
}

func (g *StaleGuard) guard(hook types.Hook, job types.Job, call func() error) error {
	if g.isStale(hook, job) {
		g.dropped.Add(1)
		g.logger.Debug("discarding stale notification",
			zap.String("hook", string(hook)),
			zap.String("job_id", string(job.ID)),
			zap.Uint64("revision", job.Revision),
		)
		return nil
	}
	if err := call(); err != nil {
		return err
	}
	if hook == types.HookDeleted {
		// Deleted is the last notification a job gets.
		g.forget(job.ID)
		return nil
	}
	g.remember(hook, job)
	return nil
}

func (g *StaleGuard) isStale(hook types.Hook, job types.Job) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.seen[job.ID]
	if !ok {
		return false
	}
	if job.Revision != w.revision {
		return job.Revision < w.revision
	}
	return w.hooks[hook]
}

func (g *StaleGuard) forget(id types.JobID) {
	g.mu.Lock()
	delete(g.seen, id)
	g.mu.Unlock()
}

func (g *StaleGuard) remember(hook types.Hook, job types.Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.seen[job.ID]
	switch {
	case !ok || job.Revision > w.revision:
		g.seen[job.ID] = &watermark{revision: job.Revision, hooks: map[types.Hook]bool{hook: true}}
	case job.Revision == w.revision:
		w.hooks[hook] = true
	}
}

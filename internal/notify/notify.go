// ============================================================================
// jobrelay Notifier - notification rounds
// ============================================================================
//
// Package: internal/notify
// File: notify.go
// Purpose: fan one lifecycle event out to every handler of a registry
//          snapshot, isolating each handler from the others.
//
// Isolation rules (per invocation):
//   - independent timeout (Config.HandlerTimeout); a hung handler is abandoned
//     once its own timeout fires, the round does not wait for it
//   - a panic is recovered and recorded like any other failure
//   - each handler receives its own deep copy of the job
//   - when the caller's context is cancelled, invocations that have not
//     finished are abandoned and recorded with ErrAbandoned
//
// A round returns only after every invocation has finished or been recorded
// as failed, so the caller can release the job's lane afterwards.
//
// ============================================================================

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

var (
	// ErrHandlerTimeout is recorded when a handler exceeds its timeout.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerPanic is recorded when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrAbandoned is recorded when the caller stopped waiting for the round.
	ErrAbandoned = errors.New("handler invocation abandoned")
)

// Failure reasons used as metric labels.
const (
	ReasonError     = "error"
	ReasonTimeout   = "timeout"
	ReasonPanic     = "panic"
	ReasonAbandoned = "abandoned"
)

// Event is one lifecycle notification.
type Event struct {
	Hook        types.Hook
	Job         types.Job
	DeviceScope string // OnJobAssignment only
}

// HandlerFailure records one failed invocation within a round.
type HandlerFailure struct {
	Entry       registry.Entry
	Hook        types.Hook
	JobID       types.JobID
	Revision    uint64
	DeviceScope string
	Reason      string
	Err         error
}

func (f *HandlerFailure) Error() string {
	return fmt.Sprintf("%s %s(job=%s rev=%d): %v", f.Entry.Name, f.Hook, f.JobID, f.Revision, f.Err)
}

func (f *HandlerFailure) Unwrap() error { return f.Err }

// TimedOut reports whether the invocation hit its own timeout.
func (f *HandlerFailure) TimedOut() bool { return f.Reason == ReasonTimeout }

// Observer receives round and failure measurements. *metrics.Collector
// implements it.
type Observer interface {
	ObserveRound(hook types.Hook, d time.Duration, failures int)
	ObserveHandlerFailure(hook types.Hook, handler, reason string)
}

// Config tunes notification rounds.
type Config struct {
	HandlerTimeout time.Duration // per invocation; 0 disables the timeout
	Parallelism    int           // concurrent invocations per round; 0 = unbounded
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 5 * time.Second,
		Parallelism:    8,
	}
}

// Notifier runs notification rounds.
type Notifier struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// New creates a Notifier. logger and observer may be nil.
func New(cfg Config, logger *zap.Logger, observer Observer) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{cfg: cfg, logger: logger, observer: observer}
}

// Round delivers ev to every entry and returns the failures, in entry
// order. It never returns before every invocation has completed, timed out
// or been abandoned.
func (n *Notifier) Round(ctx context.Context, entries []registry.Entry, ev Event) []*HandlerFailure {
	start := time.Now()
	slots := make([]*HandlerFailure, len(entries))

	var g errgroup.Group
	if n.cfg.Parallelism > 0 {
		g.SetLimit(n.cfg.Parallelism)
	}
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			slots[i] = n.deliver(ctx, e, ev)
			return nil
		})
	}
	_ = g.Wait()

	failures := make([]*HandlerFailure, 0)
	for _, f := range slots {
		if f != nil {
			failures = append(failures, f)
		}
	}

	if n.observer != nil {
		n.observer.ObserveRound(ev.Hook, time.Since(start), len(failures))
	}
	return failures
}

// Invoke delivers ev to a single entry under the same isolation rules as a
// round. It returns nil on success.
func (n *Notifier) Invoke(ctx context.Context, e registry.Entry, ev Event) *HandlerFailure {
	return n.deliver(ctx, e, ev)
}

func (n *Notifier) deliver(ctx context.Context, e registry.Entry, ev Event) *HandlerFailure {
	reason, err := n.invoke(ctx, e, ev)
	if err == nil {
		return nil
	}

	f := &HandlerFailure{
		Entry:       e,
		Hook:        ev.Hook,
		JobID:       ev.Job.ID,
		Revision:    ev.Job.Revision,
		DeviceScope: ev.DeviceScope,
		Reason:      reason,
		Err:         err,
	}

	n.logger.Warn("lifecycle handler failed",
		zap.String("hook", string(ev.Hook)),
		zap.String("handler", e.Name),
		zap.String("job_id", string(ev.Job.ID)),
		zap.Uint64("revision", ev.Job.Revision),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if n.observer != nil {
		n.observer.ObserveHandlerFailure(ev.Hook, e.Name, reason)
	}
	return f
}

func (n *Notifier) invoke(ctx context.Context, e registry.Entry, ev Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return ReasonAbandoned, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}

	callCtx := ctx
	if n.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, n.cfg.HandlerTimeout)
		defer cancel()
	}

	type outcome struct {
		err      error
		panicked bool
	}
	done := make(chan outcome, 1)
	job := ev.Job.Clone()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r), panicked: true}
			}
		}()
		done <- outcome{err: call(callCtx, e.Handler, ev.Hook, job, ev.DeviceScope)}
	}()

	select {
	case out := <-done:
		switch {
		case out.panicked:
			return ReasonPanic, out.err
		case out.err != nil:
			return ReasonError, out.err
		}
		return "", nil
	case <-callCtx.Done():
	}

	// Prefer a result that raced with the deadline.
	select {
	case out := <-done:
		if out.err == nil {
			return "", nil
		}
		if out.panicked {
			return ReasonPanic, out.err
		}
		return ReasonError, out.err
	default:
	}

	if ctx.Err() != nil {
		return ReasonAbandoned, fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())
	}
	return ReasonTimeout, fmt.Errorf("%w after %s", ErrHandlerTimeout, n.cfg.HandlerTimeout)
}

func call(ctx context.Context, h registry.Handler, hook types.Hook, job types.Job, scope string) error {
	switch hook {
	case types.HookCreating:
		return h.OnJobCreating(ctx, job)
	case types.HookCreated:
		return h.OnJobCreated(ctx, job)
	case types.HookDeleting:
		return h.OnJobDeleting(ctx, job)
	case types.HookDeleted:
		return h.OnJobDeleted(ctx, job)
	case types.HookAssignment:
		return h.OnJobAssignment(ctx, job, scope)
	}
	return fmt.Errorf("unknown hook %q", hook)
}

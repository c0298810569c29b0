// ============================================================================
// jobrelay Lifecycle Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: sole writer of job records; turns every mutation into an ordered
//          pre-hook -> commit -> post-hook sequence
//
// Transition sequences (all under the job's lane):
//
//   CreateJob   pending(rev 0) --OnJobCreating--> persist created(rev 1)
//               --OnJobCreated-->
//   AssignJob   persist assigned(rev+1, scope) --OnJobAssignment-->
//   DeleteJob   deleting view(rev) --OnJobDeleting--> persist deleted(rev+1)
//               --OnJobDeleted-->
//
// Guarantees:
//   - one lane per job: transitions of a job never overlap, so every handler
//     observes strictly increasing revisions in commit order
//   - a new registry snapshot is taken for every round
//   - handler failures never undo a commit; they are aggregated into
//     Result.Failures and handed to the failure sink for redelivery
//   - the context is checked before the lane is acquired and again right
//     before the commit; once committed, cancellation only abandons pending
//     post-hook invocations
//
// ============================================================================

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/lane"
	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/notify"
	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Operation names used in logs, metrics and StorageError.Op.
const (
	OpCreate    = "create"
	OpAssign    = "assign"
	OpDelete    = "delete"
	OpGet       = "get"
	OpRedeliver = "redeliver"
)

// Store is the persistence boundary. Persist must be atomic; Load returns
// types.ErrJobNotFound for unknown ids.
type Store interface {
	Persist(ctx context.Context, job types.Job) error
	Load(ctx context.Context, id types.JobID) (types.Job, error)
}

// Result is the outcome of a committed operation.
type Result struct {
	Job      types.Job
	Failures *PartialHandlerFailure // nil when every handler succeeded
}

// Err returns Failures as an error, or nil.
func (r *Result) Err() error {
	if r == nil || r.Failures == nil {
		return nil
	}
	return r.Failures
}

// Coordinator drives job lifecycle transitions.
type Coordinator struct {
	store    Store
	registry *registry.Registry
	notifier *notify.Notifier
	lanes    *lane.Manager
	logger   *zap.Logger
	metrics  *metrics.Collector
	policy   PreHookPolicy
	sink     FailureSink
	newID    func() types.JobID
	now      func() time.Time
}

// New creates a Coordinator that persists through store and notifies the
// handlers of reg.
func New(store Store, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		registry: reg,
		newID:    func() types.JobID { return types.JobID(uuid.NewString()) },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.notifier == nil {
		c.notifier = notify.New(notify.DefaultConfig(), c.logger, c.metrics)
	}
	if c.lanes == nil {
		c.lanes = lane.NewManager(c.metrics)
	}
	return c
}

// Registry returns the handler registry the coordinator notifies.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// CreateJob registers a new job with the given opaque definition.
func (c *Coordinator) CreateJob(ctx context.Context, definition json.RawMessage) (res *Result, err error) {
	defer func() { c.record(OpCreate, res, err) }()

	if len(definition) > 0 && !json.Valid(definition) {
		return nil, fmt.Errorf("%w: definition is not valid JSON", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.newID()
	lease, err := c.lanes.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() { lease.Release(!committed) }()

	now := c.now().UnixMilli()
	job := types.Job{
		ID:        id,
		State:     types.StatePending,
		Revision:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if definition != nil {
		job.Definition = append(json.RawMessage(nil), definition...)
	}

	var failures []*notify.HandlerFailure
	pre := c.round(ctx, notify.Event{Hook: types.HookCreating, Job: job})
	if err := c.checkPreHook(types.HookCreating, id, pre); err != nil {
		return nil, err
	}
	failures = append(failures, pre...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job.State = types.StateCreated
	job.Revision = 1
	if err := c.commit(ctx, OpCreate, job); err != nil {
		return nil, err
	}
	committed = true

	failures = append(failures, c.postRound(ctx, notify.Event{Hook: types.HookCreated, Job: job})...)
	return &Result{Job: job.Clone(), Failures: newPartial(failures)}, nil
}

// AssignJob binds a live job to deviceScope. Reassigning an assigned job
// replaces its scope.
func (c *Coordinator) AssignJob(ctx context.Context, id types.JobID, deviceScope string) (res *Result, err error) {
	defer func() { c.record(OpAssign, res, err) }()

	if deviceScope == "" {
		return nil, fmt.Errorf("%w: device scope is empty", ErrInvalidArgument)
	}
	// Engines store scopes as JSON text; invalid UTF-8 would not round-trip.
	if !utf8.ValidString(deviceScope) {
		return nil, fmt.Errorf("%w: device scope is not valid UTF-8", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lease, err := c.lanes.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	retire := true
	defer func() { lease.Release(retire) }()

	cur, err := c.load(ctx, OpAssign, id)
	if err != nil {
		return nil, err
	}
	retire = !cur.State.Live()
	if !cur.State.Live() {
		return nil, fmt.Errorf("%w: cannot assign job %s in state %s", ErrInvalidState, id, cur.State)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.State = types.StateAssigned
	next.DeviceScope = &deviceScope
	next.Revision = cur.Revision + 1
	next.UpdatedAt = c.now().UnixMilli()
	if err := c.commit(ctx, OpAssign, next); err != nil {
		return nil, err
	}

	failures := c.postRound(ctx, notify.Event{Hook: types.HookAssignment, Job: next, DeviceScope: deviceScope})
	return &Result{Job: next.Clone(), Failures: newPartial(failures)}, nil
}

// DeleteJob retires a live job. Deleting an unknown or already deleted job
// returns ErrNotFound.
func (c *Coordinator) DeleteJob(ctx context.Context, id types.JobID) (res *Result, err error) {
	defer func() { c.record(OpDelete, res, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lease, err := c.lanes.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	retire := true
	defer func() { lease.Release(retire) }()

	cur, err := c.load(ctx, OpDelete, id)
	if err != nil {
		return nil, err
	}
	if cur.State == types.StateDeleted {
		return nil, fmt.Errorf("%w: job %s already deleted", ErrNotFound, id)
	}
	if !cur.State.Live() {
		return nil, fmt.Errorf("%w: cannot delete job %s in state %s", ErrInvalidState, id, cur.State)
	}
	retire = false // live until the commit below succeeds

	view := cur.Clone()
	view.State = types.StateDeleting

	var failures []*notify.HandlerFailure
	pre := c.round(ctx, notify.Event{Hook: types.HookDeleting, Job: view})
	if err := c.checkPreHook(types.HookDeleting, id, pre); err != nil {
		return nil, err
	}
	failures = append(failures, pre...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.State = types.StateDeleted
	next.DeviceScope = nil
	next.Revision = cur.Revision + 1
	next.UpdatedAt = c.now().UnixMilli()
	if err := c.commit(ctx, OpDelete, next); err != nil {
		return nil, err
	}
	retire = true

	failures = append(failures, c.postRound(ctx, notify.Event{Hook: types.HookDeleted, Job: next})...)
	return &Result{Job: next.Clone(), Failures: newPartial(failures)}, nil
}

// GetJob returns the committed record for id, deleted records included.
// It does not wait for the job's lane.
func (c *Coordinator) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	job, err := c.load(ctx, OpGet, id)
	if err != nil {
		return types.Job{}, err
	}
	return job, nil
}

// Redeliver replays one failed post-hook invocation to the same handler,
// under the job's lane. The record must still be at the failure's revision.
// A nil return means the handler accepted the notification; a
// *notify.HandlerFailure means it failed again.
func (c *Coordinator) Redeliver(ctx context.Context, f *notify.HandlerFailure) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = resultLabel(err)
		}
		c.metrics.RecordOperation(OpRedeliver, result)
	}()

	if f == nil {
		return fmt.Errorf("%w: nil failure", ErrInvalidArgument)
	}
	if f.Hook.Pre() {
		return fmt.Errorf("%w: %s", ErrNotReplayable, f.Hook)
	}
	entry, ok := c.registry.Lookup(f.Entry.Token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerGone, f.Entry.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lease, err := c.lanes.Acquire(ctx, f.JobID)
	if err != nil {
		return err
	}
	retire := true
	defer func() { lease.Release(retire) }()

	cur, err := c.load(ctx, OpRedeliver, f.JobID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: job %s no longer exists", ErrStale, f.JobID)
	}
	if err != nil {
		return err
	}
	retire = !cur.State.Live()
	if cur.Revision != f.Revision {
		return fmt.Errorf("%w: job %s at revision %d, notification for %d", ErrStale, f.JobID, cur.Revision, f.Revision)
	}

	ev := notify.Event{Hook: f.Hook, Job: cur}
	if f.Hook == types.HookAssignment {
		ev.DeviceScope = cur.Scope()
	}
	if again := c.notifier.Invoke(ctx, entry, ev); again != nil {
		return again
	}

	c.logger.Info("notification redelivered",
		zap.String("hook", string(f.Hook)),
		zap.String("handler", entry.Name),
		zap.String("job_id", string(f.JobID)),
		zap.Uint64("revision", f.Revision),
	)
	return nil
}

// ============================================================================
// internal helpers
// ============================================================================

func (c *Coordinator) round(ctx context.Context, ev notify.Event) []*notify.HandlerFailure {
	return c.notifier.Round(ctx, c.registry.Snapshot(), ev)
}

// postRound runs a post-commit round and hands its failures to the sink.
func (c *Coordinator) postRound(ctx context.Context, ev notify.Event) []*notify.HandlerFailure {
	failures := c.round(ctx, ev)
	if c.sink != nil {
		for _, f := range failures {
			c.sink.Enqueue(f)
		}
	}
	return failures
}

func (c *Coordinator) checkPreHook(hook types.Hook, id types.JobID, failures []*notify.HandlerFailure) error {
	if len(failures) == 0 || c.policy != PreHookStrict {
		return nil
	}
	c.logger.Warn("transition rejected by pre-hook",
		zap.String("hook", string(hook)),
		zap.String("job_id", string(id)),
		zap.Int("failures", len(failures)),
	)
	return fmt.Errorf("%w: %s on job %s: %v", ErrPreHookRejected, hook, id, newPartial(failures))
}

// commit persists job. The store call is detached from ctx cancellation so a
// commit that has started always completes or fails on its own.
func (c *Coordinator) commit(ctx context.Context, op string, job types.Job) error {
	if err := c.store.Persist(context.WithoutCancel(ctx), job); err != nil {
		c.logger.Error("failed to persist job",
			zap.String("op", op),
			zap.String("job_id", string(job.ID)),
			zap.Uint64("revision", job.Revision),
			zap.Error(err),
		)
		return &StorageError{Op: op, JobID: job.ID, Err: err}
	}
	c.logger.Debug("job committed",
		zap.String("op", op),
		zap.String("job_id", string(job.ID)),
		zap.String("state", string(job.State)),
		zap.Uint64("revision", job.Revision),
	)
	return nil
}

func (c *Coordinator) load(ctx context.Context, op string, id types.JobID) (types.Job, error) {
	job, err := c.store.Load(ctx, id)
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, types.ErrJobNotFound):
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.Job{}, err
	}
	return types.Job{}, &StorageError{Op: op, JobID: id, Err: err}
}

func (c *Coordinator) record(op string, res *Result, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = resultLabel(err)
	case res != nil && res.Failures != nil:
		result = "partial"
		c.logger.Warn("transition committed with handler failures",
			zap.String("op", op),
			zap.String("job_id", string(res.Job.ID)),
			zap.Uint64("revision", res.Job.Revision),
			zap.Int("failures", res.Failures.Len()),
		)
	}
	c.metrics.RecordOperation(op, result)
}

func resultLabel(err error) string {
	var hf *notify.HandlerFailure
	switch {
	case errors.As(err, &hf):
		return "handler_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrPreHookRejected):
		return "rejected"
	case errors.Is(err, ErrStorageFailure):
		return "storage"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrHandlerGone):
		return "gone"
	case errors.Is(err, ErrNotReplayable):
		return "not_replayable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

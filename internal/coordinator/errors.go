package coordinator

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/jobrelay/internal/notify"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown job, or a deleted one where a
	// live job is required.
	ErrNotFound = types.ErrJobNotFound
	// ErrInvalidState is returned when the job's state forbids the operation.
	ErrInvalidState = types.ErrInvalidState
	// ErrStorageFailure is matched by every *StorageError.
	ErrStorageFailure = errors.New("storage failure")
	// ErrPartialHandlerFailure is matched by *PartialHandlerFailure.
	ErrPartialHandlerFailure = errors.New("partial handler failure")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPreHookRejected is returned under PreHookStrict when a pre-hook
	// handler fails; nothing is committed.
	ErrPreHookRejected = errors.New("pre-hook rejected the transition")

	// ErrStale is returned by Redeliver when the job moved past the failed
	// notification's revision.
	ErrStale = errors.New("notification is stale")
	// ErrHandlerGone is returned by Redeliver when the handler was deregistered.
	ErrHandlerGone = errors.New("handler no longer registered")
	// ErrNotReplayable is returned by Redeliver for pre-hook notifications.
	ErrNotReplayable = errors.New("pre-hook notifications are not replayable")
)

// StorageError wraps a failed Persist or Load. It matches both
// ErrStorageFailure and the engine's own error.
type StorageError struct {
	Op    string
	JobID types.JobID
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s of job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// PartialHandlerFailure aggregates the handler failures of one operation.
// The operation itself committed; this value is reported alongside the
// result and never returned as the operation's error.
type PartialHandlerFailure struct {
	Failures []*notify.HandlerFailure
}

func newPartial(failures []*notify.HandlerFailure) *PartialHandlerFailure {
	if len(failures) == 0 {
		return nil
	}
	return &PartialHandlerFailure{Failures: failures}
}

func (p *PartialHandlerFailure) Error() string {
	var combined error
	for _, f := range p.Failures {
		combined = multierr.Append(combined, f)
	}
	return fmt.Sprintf("%d handler invocation(s) failed: %v", len(p.Failures), combined)
}

func (p *PartialHandlerFailure) Is(target error) bool { return target == ErrPartialHandlerFailure }

func (p *PartialHandlerFailure) Unwrap() []error {
	errs := make([]error, len(p.Failures))
	for i, f := range p.Failures {
		errs[i] = f
	}
	return errs
}

// Len returns the number of failed invocations.
func (p *PartialHandlerFailure) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Failures)
}

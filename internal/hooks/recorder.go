package hooks

import (
	"context"
	"sync"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Notification is one call observed by a Recorder.
type Notification struct {
	Hook        types.Hook
	Job         types.Job
	DeviceScope string
}

// Recorder keeps every notification it receives, in arrival order.
type Recorder struct {
	name string

	mu     sync.Mutex
	events []Notification
}

func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) OnJobCreating(_ context.Context, job types.Job) error {
	r.add(types.HookCreating, job, "")
	return nil
}

func (r *Recorder) OnJobCreated(_ context.Context, job types.Job) error {
	r.add(types.HookCreated, job, "")
	return nil
}

func (r *Recorder) OnJobDeleting(_ context.Context, job types.Job) error {
	r.add(types.HookDeleting, job, "")
	return nil
}

func (r *Recorder) OnJobDeleted(_ context.Context, job types.Job) error {
	r.add(types.HookDeleted, job, "")
	return nil
}

func (r *Recorder) OnJobAssignment(_ context.Context, job types.Job, deviceScope string) error {
	r.add(types.HookAssignment, job, deviceScope)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.events))
	copy(out, r.events)
	return out
}

// For returns the notifications recorded for one job.
func (r *Recorder) For(id types.JobID) []Notification {
	var out []Notification
	for _, n := range r.Events() {
		if n.Job.ID == id {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Recorder) add(hook types.Hook, job types.Job, scope string) {
	r.mu.Lock()
	r.events = append(r.events, Notification{Hook: hook, Job: job, DeviceScope: scope})
	r.mu.Unlock()
}

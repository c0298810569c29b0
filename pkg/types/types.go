// Package types defines the core domain model shared by the jobrelay packages.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JobID is the opaque, immutable identifier of a job record.
type JobID string

// LifecycleState is the position of a job record in its lifecycle.
type LifecycleState string

// Lifecycle states.
//
//	pending -> created -> assigned (<-> assigned) -> deleting -> deleted
const (
	StatePending  LifecycleState = "pending"  // transient, only visible to OnJobCreating
	StateCreated  LifecycleState = "created"  // committed, no device scope
	StateAssigned LifecycleState = "assigned" // committed, bound to a device scope
	StateDeleting LifecycleState = "deleting" // transient, only visible to OnJobDeleting
	StateDeleted  LifecycleState = "deleted"  // terminal
)

// Valid reports whether s is one of the known lifecycle states.
func (s LifecycleState) Valid() bool {
	switch s {
	case StatePending, StateCreated, StateAssigned, StateDeleting, StateDeleted:
		return true
	}
	return false
}

// Live reports whether a record in state s may still transition.
func (s LifecycleState) Live() bool {
	return s == StateCreated || s == StateAssigned
}

// Hook identifies one of the lifecycle notifications delivered to handlers.
type Hook string

const (
	HookCreating   Hook = "OnJobCreating"
	HookCreated    Hook = "OnJobCreated"
	HookDeleting   Hook = "OnJobDeleting"
	HookDeleted    Hook = "OnJobDeleted"
	HookAssignment Hook = "OnJobAssignment"
)

// Pre reports whether the hook fires before the mutation commits.
func (h Hook) Pre() bool {
	return h == HookCreating || h == HookDeleting
}

var (
	// ErrJobNotFound is returned when a record does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState is returned when an operation is illegal for the record's state.
	ErrInvalidState = errors.New("invalid job state")
	// ErrStaleWrite is returned by a store when a write does not advance the
	// stored revision.
	ErrStaleWrite = errors.New("stale write: revision not greater than stored")
)

// Job is a single unit of work and its current device-scope assignment.
type Job struct {
	ID          JobID           `json:"id"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	DeviceScope *string         `json:"device_scope,omitempty"`
	State       LifecycleState  `json:"state"`
	Revision    uint64          `json:"revision"`

	CreatedAt int64 `json:"created_at"` // Unix milliseconds
	UpdatedAt int64 `json:"updated_at"` // Unix milliseconds
}

// Scope returns the device scope, or "" when the job is unassigned.
func (j Job) Scope() string {
	if j.DeviceScope == nil {
		return ""
	}
	return *j.DeviceScope
}

// Clone returns a deep copy of j. Handlers always receive clones so they
// cannot reach the repository's copy through a notification.
func (j Job) Clone() Job {
	out := j
	if j.Definition != nil {
		out.Definition = bytes.Clone(j.Definition)
	}
	if j.DeviceScope != nil {
		scope := *j.DeviceScope
		out.DeviceScope = &scope
	}
	return out
}

// SnapshotData is the persisted form of the full record set, used by the
// file-backed store to bound WAL replay on startup.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"` // last WAL sequence folded into Jobs
}

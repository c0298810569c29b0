// ============================================================================
// jobrelay In-Memory Store - volatile job record store
// ============================================================================
//
// Package: internal/store/memory
// File: memory.go
// Purpose: hold committed job records in a mutex-guarded map
//
// Design:
//   jobs map[JobID]*Job is the single source of truth. Every write must
//   advance the stored revision; a write that does not is rejected with
//   types.ErrStaleWrite, so an out-of-order commit can never roll a record
//   back. Records are cloned on the way in and on the way out.
//
// Concurrency:
//   sync.RWMutex, reads take RLock, writes take Lock.
//
// Nothing survives a restart. Use the wal or sqlite store for durability.
//
// ============================================================================

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// ErrInjected is returned while a failure is injected with FailNext.
var ErrInjected = errors.New("memory: injected failure")

// Store is a volatile job record store.
type Store struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	failNext int
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[types.JobID]*types.Job)}
}

// Persist stores job, replacing the previous record for its ID.
func (s *Store) Persist(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return errors.New("memory: job id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return ErrInjected
	}
	if cur, ok := s.jobs[job.ID]; ok && job.Revision <= cur.Revision {
		return fmt.Errorf("%w: job %s revision %d, stored %d", types.ErrStaleWrite, job.ID, job.Revision, cur.Revision)
	}

	stored := job.Clone()
	s.jobs[job.ID] = &stored
	return nil
}

// Load returns a copy of the record for id.
func (s *Store) Load(ctx context.Context, id types.JobID) (types.Job, error) {
	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// FailNext makes the next n Persist calls fail with ErrInjected. Used to
// exercise storage failure paths.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Len returns the number of stored records, deleted ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Stats counts stored records by state.
func (s *Store) Stats() map[types.LifecycleState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.LifecycleState]int)
	for _, job := range s.jobs {
		out[job.State]++
	}
	return out
}

// Snapshot returns a deep copy of every record.
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		j := job.Clone()
		jobs[id] = &j
	}
	return types.SnapshotData{Jobs: jobs}
}

// Restore replaces the contents of the store with data.
func (s *Store) Restore(data types.SnapshotData) {
	jobs := make(map[types.JobID]*types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		j := job.Clone()
		jobs[id] = &j
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
}

// Close is a no-op; it lets the store satisfy store.Engine.
func (s *Store) Close() error { return nil }

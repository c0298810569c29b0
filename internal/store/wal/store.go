package wal

// ============================================================================
// Durable job record store
//
// Layout:
//   snapshot (JSON, atomic rename)  +  WAL (JSON lines, CRC32 per record)
//
// Recovery on Open:
//   1. load the snapshot (missing file = empty set)
//   2. replay WAL records with seq > snapshot.LastSeq
//   3. drop a torn final line left by an interrupted append
//
// Compact folds the index into a new snapshot and rotates the WAL, which
// bounds replay time on the next start.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/snapshot"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Options configures a Store.
type Options struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool // fsync after every record
	KeepRotated  bool // keep rotated WAL files after compaction
	Logger       *zap.Logger
}

// Store keeps every job record in memory, backed by a WAL and a snapshot.
type Store struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*types.Job
	log    *Log
	snap   *snapshot.Manager
	opts   Options
	logger *zap.Logger
	closed bool
}

// Open restores the store from disk.
func Open(opts Options) (*Store, error) {
	if opts.WALPath == "" || opts.SnapshotPath == "" {
		return nil, errors.New("wal: both WAL and snapshot paths are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	snap := snapshot.NewManager(opts.SnapshotPath)
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("wal: load snapshot: %w", err)
	}

	log, err := OpenLog(opts.WALPath, opts.SyncOnAppend)
	if err != nil {
		return nil, err
	}

	s := &Store{
		jobs:   data.Jobs,
		log:    log,
		snap:   snap,
		opts:   opts,
		logger: logger,
	}

	snapshotJobs := len(data.Jobs)
	replayed := 0
	err = log.Replay(func(rec Record, job types.Job) error {
		if rec.Seq <= data.LastSeq {
			return nil // already folded into the snapshot
		}
		if cur, ok := s.jobs[job.ID]; ok && cur.Revision >= job.Revision {
			return nil
		}
		j := job
		s.jobs[job.ID] = &j
		replayed++
		return nil
	})

	var corruption *CorruptionError
	if errors.As(err, &corruption) && corruption.Torn {
		logger.Warn("dropping torn WAL tail",
			zap.String("path", opts.WALPath),
			zap.Int64("offset", corruption.Offset),
			zap.Uint64("last_seq", corruption.Seq),
		)
		err = log.TruncateTail(corruption.Offset)
	}
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal: replay %s: %w", opts.WALPath, err)
	}
	log.AdvanceTo(data.LastSeq)

	logger.Info("job store recovered",
		zap.Int("snapshot_jobs", snapshotJobs),
		zap.Int("replayed", replayed),
		zap.Uint64("last_seq", log.LastSeq()),
	)
	return s, nil
}

// Persist appends job to the WAL and updates the index. The write is
// rejected with types.ErrStaleWrite unless it advances the stored revision.
func (s *Store) Persist(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return errors.New("wal: job id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrWALClosed
	}
	if cur, ok := s.jobs[job.ID]; ok && job.Revision <= cur.Revision {
		return fmt.Errorf("%w: job %s revision %d, stored %d", types.ErrStaleWrite, job.ID, job.Revision, cur.Revision)
	}

	stored := job.Clone()
	if _, err := s.log.Append(stored); err != nil {
		return err
	}
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

	if s.closed {
		return types.Job{}, ErrWALClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// Compact writes a snapshot of every record and rotates the WAL.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrWALClosed
	}

	jobs := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		j := job.Clone()
		jobs[id] = &j
	}
	lastSeq := s.log.LastSeq()
	if err := s.snap.Write(types.SnapshotData{Jobs: jobs, LastSeq: lastSeq}); err != nil {
		return fmt.Errorf("wal: compact: %w", err)
	}

	rotated, err := s.log.Rotate()
	if err != nil {
		// The snapshot is already durable; the old WAL replays as a no-op.
		return fmt.Errorf("wal: compact: %w", err)
	}
	if !s.opts.KeepRotated {
		if err := os.Remove(rotated); err != nil {
			s.logger.Warn("failed to remove rotated WAL", zap.String("path", rotated), zap.Error(err))
		}
	}

	s.logger.Info("job store compacted",
		zap.Int("jobs", len(jobs)),
		zap.Uint64("last_seq", lastSeq),
	)
	return nil
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

// LastSeq returns the sequence of the last committed record.
func (s *Store) LastSeq() uint64 {
	return s.log.LastSeq()
}

// Close flushes and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.log.Close()
}

package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: on-disk record layout
// ============================================================================

// Record is one committed job mutation, stored as a single JSON line.
type Record struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing, survives rotation
	JobID     types.JobID     `json:"job_id"`    // redundant with Job, checked on replay
	Revision  uint64          `json:"revision"`  // revision of the record after the mutation
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Job       json.RawMessage `json:"job"`       // full record after the mutation
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq, job id, revision and Job
}

// RecordHandler applies one replayed record. Returning an error stops the
// replay.
type RecordHandler func(rec Record, job types.Job) error

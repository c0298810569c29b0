package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a line that cannot be decoded.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates the log or store has been closed.
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed after a write.
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError reports a checksum mismatch with its location.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports an undecodable or inconsistent line.
type CorruptionError struct {
	Seq    uint64 // last good sequence before the damage
	Offset int64  // byte offset of the damaged line
	Torn   bool   // damage is an unterminated final line (interrupted append)
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedWAL, e.Cause} }

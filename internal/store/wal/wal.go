package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append committed job records to an append-only file
// 2. Replay the file to rebuild the record index
// 3. Rotate the file once its contents are folded into a snapshot
// 4. Keep every append durable and the file free of partial lines
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Log is an append-only JSON-lines write-ahead log.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64 // last sequence written or replayed
	size         int64  // bytes of complete lines in file
	syncOnAppend bool
	closed       bool
}

// OpenLog creates or opens the log at path. Call Replay before appending so
// that sequence numbers continue where the file left off.
func OpenLog(path string, syncOnAppend bool) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	return &Log{
		file:         file,
		path:         path,
		size:         stat.Size(),
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append writes job as the next record and returns it.
//
// A failed write is rolled back by truncating to the last complete line, so
// later appends never follow a partial line.
func (l *Log) Append(job types.Job) (Record, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return Record{}, fmt.Errorf("wal: marshal job %s: %w", job.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrWALClosed
	}

	rec := Record{
		Seq:       l.seq + 1,
		JobID:     job.ID,
		Revision:  job.Revision,
		Timestamp: time.Now().UnixMilli(),
		Job:       payload,
	}
	rec.Checksum = CalculateChecksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("wal: marshal record seq=%d: %w", rec.Seq, err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Record{}, l.rollback(fmt.Errorf("wal: append seq=%d: %w", rec.Seq, err))
	}
	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			return Record{}, l.rollback(fmt.Errorf("%w: seq=%d: %v", ErrSyncFailed, rec.Seq, err))
		}
	}

	l.seq = rec.Seq
	l.size += int64(len(line))
	return rec, nil
}

// rollback cuts the file back to the last complete line after a failed
// append. If that fails too the log is closed: a partial line must never be
// followed by another record. Callers hold l.mu.
func (l *Log) rollback(cause error) error {
	if err := l.file.Truncate(l.size); err != nil {
		l.closed = true
		_ = l.file.Close()
		return fmt.Errorf("%w; log closed, rollback failed: %v", cause, err)
	}
	return cause
}

// Replay reads the log from the start and calls handler for every record.
//
// Every record's checksum is verified. An undecodable line returns a
// *CorruptionError; when that line is the unterminated tail of the file it
// is marked Torn, which is what an append interrupted by a crash leaves.
func (l *Log) Replay(handler RecordHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrWALClosed
	}

	file, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	var (
		reader  = bufio.NewReader(file)
		offset  int64
		lastSeq uint64
	)
	// Appends after a replay, even one that stopped at a corrupt record,
	// continue after the last good sequence.
	defer func() {
		if lastSeq > l.seq {
			l.seq = lastSeq
		}
	}()
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) == 0 && readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("wal: read at offset %d: %w", offset, readErr)
		}
		torn := readErr == io.EOF // no trailing newline

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			if torn {
				break
			}
			continue
		}

		var rec Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Torn: torn, Cause: err}
		}
		if torn {
			// Decodable but never terminated: the append did not finish.
			return &CorruptionError{Seq: lastSeq, Offset: offset, Torn: true, Cause: io.ErrUnexpectedEOF}
		}
		if expected := CalculateChecksum(rec); rec.Checksum != expected {
			return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
		}
		if rec.Seq <= lastSeq {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: fmt.Errorf("sequence %d does not advance", rec.Seq)}
		}

		var job types.Job
		if err := json.Unmarshal(rec.Job, &job); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if job.ID != rec.JobID || job.Revision != rec.Revision {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: errors.New("record header does not match payload")}
		}

		if err := handler(rec, job); err != nil {
			return err
		}
		lastSeq = rec.Seq
		offset += int64(len(line))
	}
	return nil
}

// TruncateTail cuts the file at offset, dropping a torn final line reported
// by Replay.
func (l *Log) TruncateTail(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("wal: truncate at %d: %w", offset, err)
	}
	l.size = offset
	return nil
}

// AdvanceTo makes sure the next sequence is greater than seq. Used after
// restoring a snapshot whose LastSeq is ahead of an already rotated log.
func (l *Log) AdvanceTo(seq uint64) {
	l.mu.Lock()
	if seq > l.seq {
		l.seq = seq
	}
	l.mu.Unlock()
}

// Rotate moves the current file aside and starts an empty one. Sequence
// numbers keep increasing across rotations. It returns the path of the
// rotated file.
func (l *Log) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrWALClosed
	}
	if err := l.file.Sync(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := l.file.Close(); err != nil {
		return "", err
	}

	backupPath := l.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(l.path, backupPath); err != nil {
		// Reopen the original so the log stays usable.
		if file, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644); openErr == nil {
			l.file = file
		} else {
			l.closed = true
		}
		return "", fmt.Errorf("wal: rotate: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		l.closed = true
		return "", fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	l.file = file
	l.size = 0
	return backupPath, nil
}

// LastSeq returns the last sequence written or replayed.
func (l *Log) LastSeq() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Size returns the size in bytes of the current file.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close syncs and closes the file. A closed log cannot be reused.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return l.file.Close()
}

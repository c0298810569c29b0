package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of a WAL record
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE checksum of a record. The
// timestamp is excluded; everything replay depends on is covered.
func CalculateChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	buf := make([]byte, 0, 64)
	buf = strconv.AppendUint(buf, rec.Seq, 10)
	buf = append(buf, '|')
	buf = append(buf, rec.JobID...)
	buf = append(buf, '|')
	buf = strconv.AppendUint(buf, rec.Revision, 10)
	buf = append(buf, '|')
	h.Write(buf)
	h.Write(rec.Job)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the record.
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec)
}

// Package store selects and opens the configured job record engine.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/config"
	"github.com/ChuLiYu/jobrelay/internal/store/memory"
	"github.com/ChuLiYu/jobrelay/internal/store/sqlite"
	"github.com/ChuLiYu/jobrelay/internal/store/wal"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// ErrStaleWrite is returned by every engine for a write that does not
// advance the stored revision.
var ErrStaleWrite = types.ErrStaleWrite

// Engine is a job record store. Persist is atomic; Load reports
// types.ErrJobNotFound for unknown ids.
type Engine interface {
	Persist(ctx context.Context, job types.Job) error
	Load(ctx context.Context, id types.JobID) (types.Job, error)
	Close() error
}

// Compactor is implemented by engines that can fold their log into a
// snapshot.
type Compactor interface {
	Compact() error
}

// Open opens the engine named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory job store; records are lost on restart")
		return memory.New(), nil
	case config.DriverWAL:
		return wal.Open(wal.Options{
			WALPath:      cfg.WALPath,
			SnapshotPath: cfg.SnapshotPath,
			SyncOnAppend: cfg.SyncOnAppend,
			Logger:       logger.Named("wal"),
		})
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

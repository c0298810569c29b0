package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCompaction calls c.Compact every interval until ctx is done. A failed
// compaction is logged and retried on the next tick; the WAL stays valid
// either way.
func RunCompaction(ctx context.Context, c Compactor, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := c.Compact(); err != nil {
				logger.Error("compaction failed", zap.Error(err))
				continue
			}
			logger.Debug("compaction finished", zap.Duration("duration", time.Since(start)))
		}
	}
}

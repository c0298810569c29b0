// Package hooks contains the lifecycle handlers shipped with jobrelay.
package hooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Audit writes one structured log line per lifecycle notification.
type Audit struct {
	logger *zap.Logger
}

// NewAudit returns an Audit handler logging through logger.
func NewAudit(logger *zap.Logger) *Audit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Audit{logger: logger.Named("audit")}
}

func (a *Audit) Name() string { return "audit" }

func (a *Audit) OnJobCreating(_ context.Context, job types.Job) error {
	a.log(types.HookCreating, job, "")
	return nil
}

func (a *Audit) OnJobCreated(_ context.Context, job types.Job) error {
	a.log(types.HookCreated, job, "")
	return nil
}

func (a *Audit) OnJobDeleting(_ context.Context, job types.Job) error {
	a.log(types.HookDeleting, job, "")
	return nil
}

func (a *Audit) OnJobDeleted(_ context.Context, job types.Job) error {
	a.log(types.HookDeleted, job, "")
	return nil
}

func (a *Audit) OnJobAssignment(_ context.Context, job types.Job, deviceScope string) error {
	a.log(types.HookAssignment, job, deviceScope)
	return nil
}

func (a *Audit) log(hook types.Hook, job types.Job, scope string) {
	fields := []zap.Field{
		zap.String("hook", string(hook)),
		zap.String("job_id", string(job.ID)),
		zap.String("state", string(job.State)),
		zap.Uint64("revision", job.Revision),
	}
	if scope != "" {
		fields = append(fields, zap.String("device_scope", scope))
	}
	a.logger.Info("job lifecycle", fields...)
}

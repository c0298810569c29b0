package coordinator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/lane"
	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/notify"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// PreHookPolicy decides what a failing OnJobCreating/OnJobDeleting handler
// does to the transition.
type PreHookPolicy int

const (
	// PreHookBestEffort records pre-hook failures and commits anyway.
	PreHookBestEffort PreHookPolicy = iota
	// PreHookStrict aborts the transition on any pre-hook failure.
	PreHookStrict
)

func (p PreHookPolicy) String() string {
	switch p {
	case PreHookBestEffort:
		return "best_effort"
	case PreHookStrict:
		return "strict"
	}
	return fmt.Sprintf("PreHookPolicy(%d)", int(p))
}

// ParsePreHookPolicy maps the configuration spelling to a policy.
func ParsePreHookPolicy(s string) (PreHookPolicy, error) {
	switch s {
	case "", "best_effort":
		return PreHookBestEffort, nil
	case "strict":
		return PreHookStrict, nil
	}
	return 0, fmt.Errorf("%w: unknown pre-hook policy %q", ErrInvalidArgument, s)
}

// FailureSink receives every failed post-hook invocation for later replay.
type FailureSink interface {
	Enqueue(f *notify.HandlerFailure)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier replaces the default notifier (notify.DefaultConfig).
func WithNotifier(n *notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLanes shares a lane manager, e.g. between coordinators in tests.
func WithLanes(m *lane.Manager) Option {
	return func(c *Coordinator) { c.lanes = m }
}

func WithPreHookPolicy(p PreHookPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

func WithFailureSink(s FailureSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithIDGenerator overrides the UUID generator for new jobs.
func WithIDGenerator(gen func() types.JobID) Option {
	return func(c *Coordinator) { c.newID = gen }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

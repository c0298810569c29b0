package redelivery

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/jobrelay/internal/config"
	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/notify"
)

// idlePoll bounds how long the loop sleeps with an empty queue.
const idlePoll = time.Second

// Target replays one failure. *coordinator.Coordinator implements it.
type Target interface {
	Redeliver(ctx context.Context, f *notify.HandlerFailure) error
}

// Replayer drains a Queue into a Target.
type Replayer struct {
	queue   *Queue
	target  Target
	cfg     config.RedeliveryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewReplayer creates a Replayer. A non-positive cfg.Rate disables rate
// limiting; a non-positive cfg.MaxAttempts means one attempt.
func NewReplayer(queue *Queue, target Target, cfg config.RedeliveryConfig, logger *zap.Logger, m *metrics.Collector) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Replayer{
		queue:   queue,
		target:  target,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: m,
	}
}

// Start launches the replay loop. It returns immediately.
func (r *Replayer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)

	r.logger.Info("redelivery started",
		zap.Float64("rate", r.cfg.Rate),
		zap.Int("max_attempts", r.cfg.MaxAttempts),
	)
}

// Stop ends the loop and waits for an in-flight redelivery to finish.
// Pending items stay queued.
func (r *Replayer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("redelivery stopped", zap.Int("pending", r.queue.Len()))
}

func (r *Replayer) loop(ctx context.Context) {
	defer close(r.done)
	for {
		if r.RunOnce(ctx) {
			continue
		}
		wait := r.queue.NextDue()
		if wait <= 0 || wait > idlePoll {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.queue.Ready():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// RunOnce replays the first due item, if any, and reports whether it did.
func (r *Replayer) RunOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	it := r.queue.Pop()
	if it == nil {
		return false
	}
	if err := r.limiter.Wait(ctx); err != nil {
		// Shutting down; keep the item for the next start.
		r.queue.Restore(it)
		return false
	}

	err := r.target.Redeliver(ctx, it.Failure)
	it.Attempts++
	r.settle(ctx, it, err)
	return true
}

func (r *Replayer) settle(ctx context.Context, it *Item, err error) {
	f := it.Failure
	fields := []zap.Field{
		zap.String("hook", string(f.Hook)),
		zap.String("handler", f.Entry.Name),
		zap.String("job_id", string(f.JobID)),
		zap.Uint64("revision", f.Revision),
		zap.Int("attempt", it.Attempts),
	}

	switch {
	case err == nil:
		r.metrics.RecordRedelivery(ResultOK)
		r.logger.Debug("redelivered notification", fields...)
		return
	case errors.Is(err, coordinator.ErrStale), errors.Is(err, coordinator.ErrNotReplayable):
		r.metrics.RecordRedelivery(ResultStale)
		r.logger.Debug("dropping stale notification", append(fields, zap.Error(err))...)
		return
	case errors.Is(err, coordinator.ErrHandlerGone):
		r.metrics.RecordRedelivery(ResultGone)
		r.logger.Debug("dropping notification for deregistered handler", fields...)
		return
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Interrupted by shutdown, not the handler's fault.
		it.Attempts--
		r.queue.Restore(it)
		return
	}

	if it.Attempts >= r.cfg.MaxAttempts {
		r.metrics.RecordRedelivery(ResultExhausted)
		r.logger.Error("giving up on notification", append(fields, zap.Error(err))...)
		return
	}

	delay := Backoff(r.cfg.BaseBackoff, r.cfg.MaxBackoff, it.Attempts)
	it.NextAt = r.queue.now().Add(delay)
	r.queue.Requeue(it)
	r.metrics.RecordRedelivery(ResultRetry)
	r.logger.Warn("redelivery failed, will retry",
		append(fields, zap.Duration("backoff", delay), zap.Error(err))...)
}

// Backoff returns base * 2^(attempt-1), capped at maxDelay when maxDelay > 0.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

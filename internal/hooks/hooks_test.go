package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

func job(id string, state types.LifecycleState, rev uint64) types.Job {
	return types.Job{ID: types.JobID(id), State: state, Revision: rev}
}

// ============================================================================
// Audit
// ============================================================================

func TestAuditLogsEveryHook(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	a := NewAudit(zap.New(core))
	ctx := context.Background()

	require.NoError(t, a.OnJobCreating(ctx, job("j1", types.StatePending, 0)))
	require.NoError(t, a.OnJobCreated(ctx, job("j1", types.StateCreated, 1)))
	require.NoError(t, a.OnJobAssignment(ctx, job("j1", types.StateAssigned, 2), "floor-3"))
	require.NoError(t, a.OnJobDeleting(ctx, job("j1", types.StateDeleting, 2)))
	require.NoError(t, a.OnJobDeleted(ctx, job("j1", types.StateDeleted, 3)))

	entries := logs.All()
	require.Len(t, entries, 5)
	assign := entries[2].ContextMap()
	assert.Equal(t, "OnJobAssignment", assign["hook"])
	assert.Equal(t, "floor-3", assign["device_scope"])
	assert.Equal(t, uint64(2), assign["revision"])

	_, hasScope := entries[0].ContextMap()["device_scope"]
	assert.False(t, hasScope)
}

// ============================================================================
// Router
// ============================================================================

type routeLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *routeLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *routeLog) route(name string, patterns ...string) Route {
	return Route{
		Name:     name,
		Patterns: patterns,
		Deliver: func(_ context.Context, j types.Job, scope string) error {
			l.add("deliver:" + name + ":" + scope)
			return nil
		},
		Withdraw: func(_ context.Context, j types.Job) error {
			l.add("withdraw:" + name)
			return nil
		},
	}
}

func TestNewRouterValidation(t *testing.T) {
	tests := []struct {
		name   string
		routes []Route
		want   error
	}{
		{"missing name", []Route{{Patterns: []string{"a"}}}, ErrInvalidRoute},
		{"no patterns", []Route{{Name: "r"}}, ErrInvalidRoute},
		{"duplicate", []Route{{Name: "r", Patterns: []string{"a"}}, {Name: "r", Patterns: []string{"b"}}}, ErrInvalidRoute},
		{"bad glob", []Route{{Name: "r", Patterns: []string{"site/[floor"}}}, ErrInvalidPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.routes, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := NewRouter([]Route{{Name: "r", Patterns: []string{"site/[floor"}}}, nil)
	var pe *PatternError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "r", pe.Route)
}

func TestRouterMatch(t *testing.T) {
	r, err := NewRouter([]Route{
		{Name: "west", Patterns: []string{"site-west/**"}},
		{Name: "floors", Patterns: []string{"*/floor-*"}},
		{Name: "lab", Patterns: []string{"lab"}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"west", "floors"}, r.Match("site-west/floor-3"))
	assert.Equal(t, []string{"west"}, r.Match("site-west/dock/bay-1"))
	assert.Equal(t, []string{"lab"}, r.Match("lab"))
	assert.Empty(t, r.Match("site-east/dock"))
}

func TestRouterTracksOwnership(t *testing.T) {
	var log routeLog
	r, err := NewRouter([]Route{
		log.route("west", "site-west/**"),
		log.route("east", "site-east/**"),
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.OnJobAssignment(ctx, job("j1", types.StateAssigned, 2), "site-west/floor-3"))
	assert.Equal(t, []string{"west"}, r.Owners("j1"))

	require.NoError(t, r.OnJobAssignment(ctx, job("j1", types.StateAssigned, 3), "site-east/floor-1"))
	assert.Equal(t, []string{"east"}, r.Owners("j1"))

	require.NoError(t, r.OnJobDeleted(ctx, job("j1", types.StateDeleted, 4)))
	assert.Empty(t, r.Owners("j1"))

	assert.Equal(t, []string{
		"deliver:west:site-west/floor-3",
		"withdraw:west",
		"deliver:east:site-east/floor-1",
		"withdraw:east",
	}, log.calls)
}

func TestRouterAggregatesRouteErrors(t *testing.T) {
	boom := errors.New("device gateway down")
	var delivered bool
	r, err := NewRouter([]Route{
		{Name: "a", Patterns: []string{"**"}, Deliver: func(context.Context, types.Job, string) error { return boom }},
		{Name: "b", Patterns: []string{"**"}, Deliver: func(context.Context, types.Job, string) error {
			delivered = true
			return nil
		}},
	}, nil)
	require.NoError(t, err)

	err = r.OnJobAssignment(context.Background(), job("j1", types.StateAssigned, 2), "floor-3")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "route a deliver")
	assert.True(t, delivered, "one failing route does not stop the next")
	assert.Equal(t, []string{"a", "b"}, r.Owners("j1"))
}

func TestRouterIgnoresOtherHooks(t *testing.T) {
	r, err := NewRouter(nil, nil)
	require.NoError(t, err)
	assert.NoError(t, r.OnJobCreated(context.Background(), job("j1", types.StateCreated, 1)))
	assert.NoError(t, r.OnJobAssignment(context.Background(), job("j1", types.StateAssigned, 2), "anywhere"))
	assert.Empty(t, r.Owners("j1"))
}

// ============================================================================
// StaleGuard
// ============================================================================

type flakyHandler struct {
	*Recorder
	fail bool
}

func (f *flakyHandler) OnJobCreated(ctx context.Context, j types.Job) error {
	if err := f.Recorder.OnJobCreated(ctx, j); err != nil {
		return err
	}
	if f.fail {
		return errors.New("temporarily down")
	}
	return nil
}

func TestStaleGuardDropsOlderRevisions(t *testing.T) {
	rec := NewRecorder("inner")
	g := NewStaleGuard(rec, nil)
	ctx := context.Background()

	require.NoError(t, g.OnJobAssignment(ctx, job("j1", types.StateAssigned, 3), "floor-4"))
	require.NoError(t, g.OnJobAssignment(ctx, job("j1", types.StateAssigned, 2), "floor-3"))
	require.NoError(t, g.OnJobDeleting(ctx, job("j1", types.StateDeleting, 3)))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "floor-4", events[0].DeviceScope)
	assert.Equal(t, types.HookDeleting, events[1].Hook, "same revision, different hook passes")
	assert.Equal(t, int64(1), g.Dropped())
}

func TestStaleGuardDropsDuplicates(t *testing.T) {
	rec := NewRecorder("inner")
	g := NewStaleGuard(rec, nil)
	ctx := context.Background()

	created := job("j1", types.StateCreated, 1)
	require.NoError(t, g.OnJobCreated(ctx, created))
	require.NoError(t, g.OnJobCreated(ctx, created))

	assert.Len(t, rec.Events(), 1)
	assert.Equal(t, int64(1), g.Dropped())

	require.NoError(t, g.OnJobCreated(ctx, job("j2", types.StateCreated, 1)))
	assert.Len(t, rec.Events(), 2, "watermarks are per job")
}

func TestStaleGuardLetsFailedDeliveryBeReplayed(t *testing.T) {
	inner := &flakyHandler{Recorder: NewRecorder("inner"), fail: true}
	g := NewStaleGuard(inner, nil)
	ctx := context.Background()

	created := job("j1", types.StateCreated, 1)
	require.Error(t, g.OnJobCreated(ctx, created))

	inner.fail = false
	require.NoError(t, g.OnJobCreated(ctx, created))
	assert.Len(t, inner.Events(), 2)
	assert.Zero(t, g.Dropped())
	assert.Equal(t, "inner", g.Name())
}

func TestStaleGuardForgetsDeletedJobs(t *testing.T) {
	rec := NewRecorder("inner")
	g := NewStaleGuard(rec, nil)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		require.NoError(t, g.OnJobCreated(ctx, job(id, types.StateCreated, 1)))
	}
	require.NoError(t, g.OnJobAssignment(ctx, job("j1", types.StateAssigned, 2), "floor-3"))
	assert.Equal(t, 2, g.Tracked())

	require.NoError(t, g.OnJobDeleting(ctx, job("j1", types.StateDeleting, 2)))
	require.NoError(t, g.OnJobDeleted(ctx, job("j1", types.StateDeleted, 3)))
	assert.Equal(t, 1, g.Tracked())

	require.NoError(t, g.OnJobDeleting(ctx, job("j2", types.StateDeleting, 1)))
	require.NoError(t, g.OnJobDeleted(ctx, job("j2", types.StateDeleted, 2)))
	assert.Zero(t, g.Tracked())
	assert.Len(t, rec.Events(), 7)
}

func TestStaleGuardKeepsWatermarkWhenDeletedFails(t *testing.T) {
	inner := &failingDeleted{Recorder: NewRecorder("inner")}
	g := NewStaleGuard(inner, nil)
	ctx := context.Background()

	require.NoError(t, g.OnJobCreated(ctx, job("j1", types.StateCreated, 1)))
	require.Error(t, g.OnJobDeleted(ctx, job("j1", types.StateDeleted, 2)))
	assert.Equal(t, 1, g.Tracked())
}

type failingDeleted struct{ *Recorder }

func (f *failingDeleted) OnJobDeleted(context.Context, types.Job) error {
	return errors.New("sink unavailable")
}

// ============================================================================
// Recorder
// ============================================================================

func TestRecorderFiltersByJob(t *testing.T) {
	rec := NewRecorder("rec")
	ctx := context.Background()
	require.NoError(t, rec.OnJobCreated(ctx, job("a", types.StateCreated, 1)))
	require.NoError(t, rec.OnJobCreated(ctx, job("b", types.StateCreated, 1)))
	require.NoError(t, rec.OnJobAssignment(ctx, job("a", types.StateAssigned, 2), "floor-3"))

	forA := rec.For("a")
	require.Len(t, forA, 2)
	assert.Equal(t, types.HookAssignment, forA[1].Hook)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

func newJob(id string, rev uint64, state types.LifecycleState) types.Job {
	return types.Job{
		ID:         types.JobID(id),
		Definition: json.RawMessage(`{"task":"collect"}`),
		State:      state,
		Revision:   rev,
	}
}

func TestPersistAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, newJob("job-1", 1, types.StateCreated)))

	got, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, got.State)
	assert.Equal(t, 1, s.Len())
}

func TestLoadUnknown(t *testing.T) {
	_, err := New().Load(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestRevisionGuard(t *testing.T) {
	tests := []struct {
		name    string
		stored  uint64
		write   uint64
		wantErr bool
	}{
		{"advances", 1, 2, false},
		{"skips ahead", 1, 5, false},
		{"equal", 2, 2, true},
		{"behind", 3, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ctx := context.Background()
			require.NoError(t, s.Persist(ctx, newJob("job-1", tt.stored, types.StateCreated)))

			err := s.Persist(ctx, newJob("job-1", tt.write, types.StateAssigned))
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrStaleWrite)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRecordsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := newJob("job-1", 1, types.StateCreated)
	require.NoError(t, s.Persist(ctx, j))
	j.Definition[0] = 'X'

	got, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, `{"task":"collect"}`, string(got.Definition))

	got.Definition[0] = 'Y'
	again, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, `{"task":"collect"}`, string(again.Definition))
}

func TestFailNext(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailNext(1)

	assert.ErrorIs(t, s.Persist(ctx, newJob("job-1", 1, types.StateCreated)), ErrInjected)
	assert.NoError(t, s.Persist(ctx, newJob("job-1", 1, types.StateCreated)))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, New().Persist(ctx, newJob("job-1", 1, types.StateCreated)), context.Canceled)
}

func TestSnapshotRestore(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, newJob("job-1", 1, types.StateCreated)))
	require.NoError(t, s.Persist(ctx, newJob("job-2", 4, types.StateDeleted)))

	data := s.Snapshot()

	restored := New()
	restored.Restore(data)

	assert.Equal(t, 2, restored.Len())
	stats := restored.Stats()
	assert.Equal(t, 1, stats[types.StateCreated])
	assert.Equal(t, 1, stats[types.StateDeleted])
	assert.ErrorIs(t, restored.Persist(ctx, newJob("job-2", 4, types.StateDeleted)), types.ErrStaleWrite)
}

func TestConcurrentPersist(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.Persist(ctx, newJob(fmt.Sprintf("job-%d", n), 1, types.StateCreated)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}

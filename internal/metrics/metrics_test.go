package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.operations)
	assert.NotNil(t, collector.rounds)
	assert.NotNil(t, collector.handlerFailures)
	assert.NotNil(t, collector.redeliveries)
	assert.NotNil(t, collector.roundDuration)
	assert.NotNil(t, collector.laneWait)
	assert.NotNil(t, collector.lanesActive)
	assert.NotNil(t, collector.redeliveryQueued)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordOperation(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordOperation("create", "ok")
	c.RecordOperation("create", "ok")
	c.RecordOperation("assign", "invalid_state")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("assign", "invalid_state")))
}

func TestObserveRoundAndFailures(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveRound(types.HookCreated, 10*time.Millisecond, 1)
	c.ObserveRound(types.HookCreated, 20*time.Millisecond, 0)
	c.ObserveHandlerFailure(types.HookCreated, "audit", "timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.rounds.WithLabelValues("OnJobCreated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerFailures.WithLabelValues("OnJobCreated", "audit", "timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.roundDuration))
}

func TestLaneGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetActiveLanes(7)
	c.ObserveLaneWait(time.Millisecond)
	c.SetRedeliveryQueueDepth(3)
	c.RecordRedelivery("replayed")

	assert.Equal(t, 7.0, testutil.ToFloat64(c.lanesActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.redeliveryQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.redeliveries.WithLabelValues("replayed")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordOperation("create", "ok")
		c.ObserveRound(types.HookCreated, time.Second, 0)
		c.ObserveHandlerFailure(types.HookCreated, "x", "error")
		c.ObserveLaneWait(time.Second)
		c.SetActiveLanes(1)
		c.RecordRedelivery("stale")
		c.SetRedeliveryQueueDepth(1)
	})
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.RecordOperation("delete", "ok")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobrelay_operations_total{op="delete",result="ok"} 1`)
}

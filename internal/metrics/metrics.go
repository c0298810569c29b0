// ============================================================================
// jobrelay Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose lifecycle coordination metrics
//
// Metric families:
//
//   Counters
//     jobrelay_operations_total{op,result}          create/assign/delete/redeliver outcomes
//     jobrelay_rounds_total{hook}                   notification rounds run
//     jobrelay_handler_failures_total{hook,handler,reason}
//     jobrelay_redeliveries_total{result}           replayed / failed / stale / gone / exhausted / dropped
//
//   Histograms
//     jobrelay_round_duration_seconds{hook}         wall time of a whole round
//     jobrelay_lane_wait_seconds                    time spent queued on a job lane
//
//   Gauges
//     jobrelay_lanes_active                         lanes currently tracked
//     jobrelay_redelivery_queue_depth               failed deliveries awaiting replay
//
// Example queries:
//
//   # handler failure ratio per hook
//   sum by (hook) (rate(jobrelay_handler_failures_total[5m]))
//     / sum by (hook) (rate(jobrelay_rounds_total[5m]))
//
//   # p95 lane wait
//   histogram_quantile(0.95, rate(jobrelay_lane_wait_seconds_bucket[5m]))
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

const namespace = "jobrelay"

// Collector holds every jobrelay metric.
type Collector struct {
	operations       *prometheus.CounterVec
	rounds           *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	redeliveries     *prometheus.CounterVec
	roundDuration    *prometheus.HistogramVec
	laneWait         prometheus.Histogram
	lanesActive      prometheus.Gauge
	redeliveryQueued prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it with reg. When reg
// is nil a private registry is used; Handler() always serves the registry
// the metrics were registered with.
func NewCollector(reg prometheus.Registerer) *Collector {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by operation and result",
		}, []string{"op", "result"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Notification rounds run, by hook",
		}, []string{"hook"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Failed handler invocations by hook, handler and reason",
		}, []string{"hook", "handler", "reason"}),
		redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Redelivery attempts of failed notifications, by result",
		}, []string{"result"}),
		roundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a notification round",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook"}),
		laneWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lane_wait_seconds",
			Help:      "Time an operation waited for its job lane",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		lanesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lanes_active",
			Help:      "Job lanes currently tracked",
		}),
		redeliveryQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redelivery_queue_depth",
			Help:      "Failed deliveries waiting to be replayed",
		}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		c.operations,
		c.rounds,
		c.handlerFailures,
		c.redeliveries,
		c.roundDuration,
		c.laneWait,
		c.lanesActive,
		c.redeliveryQueued,
	)
	return c
}

// RecordOperation counts one lifecycle operation outcome.
func (c *Collector) RecordOperation(op, result string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, result).Inc()
}

// ObserveRound implements notify.Observer.
func (c *Collector) ObserveRound(hook types.Hook, d time.Duration, _ int) {
	if c == nil {
		return
	}
	c.rounds.WithLabelValues(string(hook)).Inc()
	c.roundDuration.WithLabelValues(string(hook)).Observe(d.Seconds())
}

// ObserveHandlerFailure implements notify.Observer.
func (c *Collector) ObserveHandlerFailure(hook types.Hook, handler, reason string) {
	if c == nil {
		return
	}
	c.handlerFailures.WithLabelValues(string(hook), handler, reason).Inc()
}

// ObserveLaneWait implements lane.Observer.
func (c *Collector) ObserveLaneWait(d time.Duration) {
	if c == nil {
		return
	}
	c.laneWait.Observe(d.Seconds())
}

// SetActiveLanes implements lane.Observer.
func (c *Collector) SetActiveLanes(n int) {
	if c == nil {
		return
	}
	c.lanesActive.Set(float64(n))
}

// RecordRedelivery counts one redelivery outcome.
func (c *Collector) RecordRedelivery(result string) {
	if c == nil {
		return
	}
	c.redeliveries.WithLabelValues(result).Inc()
}

// SetRedeliveryQueueDepth updates the pending redelivery gauge.
func (c *Collector) SetRedeliveryQueueDepth(n int) {
	if c == nil {
		return
	}
	c.redeliveryQueued.Set(float64(n))
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

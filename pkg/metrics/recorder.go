// Package metrics provides Prometheus-based metrics recording and
// querying for investigation runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records engine-level metrics using Prometheus.
type Recorder struct {
	investigationsTotal *prometheus.CounterVec
	reconcileDuration   *prometheus.HistogramVec
	pollTicksTotal      prometheus.Counter
	allocationAttempts  prometheus.Histogram
}

var (
	recorderOnce sync.Once
	recorder     *Recorder
)

// NewRecorder returns the process-wide recorder. Collectors register
// with the default registry exactly once.
func NewRecorder() *Recorder {
	recorderOnce.Do(func() {
		recorder = &Recorder{
			investigationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "investigations_total",
					Help: "Total number of investigation runs by flow and outcome",
				},
				[]string{"flow", "outcome"},
			),
			reconcileDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "reconcile_duration_seconds",
					Help:    "Duration of notebook reconciliation in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			pollTicksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "poll_ticks_total",
					Help: "Total number of remote status poll requests",
				},
			),
			allocationAttempts: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_allocation_attempts",
					Help:    "Number of attempts needed to allocate a usable session ID",
					Buckets: []float64{1, 2, 3},
				},
			),
		}
	})
	return recorder
}

// ObserveInvestigation records a finished investigation run.
func (r *Recorder) ObserveInvestigation(flow string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.investigationsTotal.WithLabelValues(flow, outcome).Inc()
}

// ObserveReconcile records the duration of one reconciliation pass.
func (r *Recorder) ObserveReconcile(duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.reconcileDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePollTick counts one remote status poll. Implements the polling
// service's tick observer.
func (r *Recorder) ObservePollTick() {
	r.pollTicksTotal.Inc()
}

// ObserveAllocation records how many session creation attempts a run used.
func (r *Recorder) ObserveAllocation(attempts int) {
	r.allocationAttempts.Observe(float64(attempts))
}

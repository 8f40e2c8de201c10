// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records execution-core metrics.
type Collector struct {
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	streamStallsTotal       *prometheus.CounterVec

	stepDispatchesTotal   *prometheus.CounterVec
	stepDispatchDuration  *prometheus.HistogramVec
	skipDecisionsTotal    *prometheus.CounterVec
	gateEvaluationsTotal  *prometheus.CounterVec
	runsCompletedTotal    *prometheus.CounterVec
	delegationFanoutTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg; a nil reg uses the
// default registry. Tests pass a fresh registry to avoid duplicate
// registration across cases.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider transport calls",
		},
		[]string{"provider", "status"},
	)
	c.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)
	c.streamStallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_stalls_total",
			Help:      "Total number of event streams failed by the idle timeout",
		},
		[]string{"provider"},
	)

	c.stepDispatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_dispatches_total",
			Help:      "Total number of step dispatches",
		},
		[]string{"pipeline", "role", "status"},
	)
	c.stepDispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_dispatch_duration_seconds",
			Help:      "Step dispatch duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"pipeline", "role"},
	)
	c.skipDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skip_decisions_total",
			Help:      "Total number of pre-execution skip decisions",
		},
		[]string{"pipeline", "decision"},
	)
	c.gateEvaluationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of quality gate evaluations",
		},
		[]string{"kind", "result"},
	)
	c.runsCompletedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs reaching a terminal status",
		},
		[]string{"pipeline", "status"},
	)
	c.delegationFanoutTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_fanout_total",
			Help:      "Total number of delegated dispatches",
		},
		[]string{"pipeline"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordProviderRequest records one transport call.
func (c *Collector) RecordProviderRequest(provider, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.providerRequestsTotal.WithLabelValues(provider, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordStreamStall records a stream failed by the idle timeout.
func (c *Collector) RecordStreamStall(provider string) {
	if c == nil {
		return
	}
	c.streamStallsTotal.WithLabelValues(provider).Inc()
}

// RecordStepDispatch records one completed step dispatch.
func (c *Collector) RecordStepDispatch(pipeline, role, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDispatchesTotal.WithLabelValues(pipeline, role, status).Inc()
	c.stepDispatchDuration.WithLabelValues(pipeline, role).Observe(duration.Seconds())
}

// RecordSkipDecision records a pre-execution decision: skip, execute or
// bypass.
func (c *Collector) RecordSkipDecision(pipeline, decision string) {
	if c == nil {
		return
	}
	c.skipDecisionsTotal.WithLabelValues(pipeline, decision).Inc()
}

// RecordGateEvaluation records one gate result.
func (c *Collector) RecordGateEvaluation(kind, result string) {
	if c == nil {
		return
	}
	c.gateEvaluationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordRunCompleted records a run reaching a terminal status.
func (c *Collector) RecordRunCompleted(pipeline, status string) {
	if c == nil {
		return
	}
	c.runsCompletedTotal.WithLabelValues(pipeline, status).Inc()
}

// RecordDelegation records delegated fan-out dispatches.
func (c *Collector) RecordDelegation(pipeline string, count int) {
	if c == nil {
		return
	}
	c.delegationFanoutTotal.WithLabelValues(pipeline).Add(float64(count))
}

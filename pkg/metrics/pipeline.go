package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records per-stage outcomes for the processing pipeline.
type PipelineMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	fallback *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_success",
		Help: "Successful pipeline stage executions.",
	}, []string{"stage"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_failure",
		Help: "Failed pipeline stage executions.",
	}, []string{"stage"})
	fallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_fallback",
		Help: "Pipeline stages that completed on their degraded fallback path.",
	}, []string{"stage"})
	reg.MustRegister(duration, success, failure, fallback)
	return &PipelineMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		fallback: fallback,
	}
}

// ObserveDuration records the duration for the named stage.
func (p *PipelineMetrics) ObserveDuration(stage string, duration time.Duration) {
	if p == nil || p.duration == nil {
		return
	}
	p.duration.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// IncSuccess increments the success counter for the named stage.
func (p *PipelineMetrics) IncSuccess(stage string) {
	if p == nil || p.success == nil {
		return
	}
	p.success.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncFailure increments the failure counter for the named stage.
func (p *PipelineMetrics) IncFailure(stage string) {
	if p == nil || p.failure == nil {
		return
	}
	p.failure.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncFallback increments the fallback counter for the named stage.
func (p *PipelineMetrics) IncFallback(stage string) {
	if p == nil || p.fallback == nil {
		return
	}
	p.fallback.WithLabelValues(normalizeLabel(stage)).Inc()
}

func normalizeLabel(stage string) string {
	if stage == "" {
		return "unknown"
	}
	return stage
}

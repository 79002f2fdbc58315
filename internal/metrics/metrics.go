// Package metrics records task outcomes and processing time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attributes label a task's metrics. Task is the logical job kind
// (e.g. "txt2img") and Model the style model or function it ran on.
type Attributes struct {
	Task  string
	Model string
}

func (a Attributes) labels() prometheus.Labels {
	return prometheus.Labels{"task": a.Task, "model": a.Model}
}

// Recorder is the sink for task metrics. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	TaskSucceeded(attrs Attributes)
	TaskFailed(attrs Attributes)
	TaskDuration(attrs Attributes, d time.Duration)
}

// Prometheus records task metrics as Prometheus collectors.
type Prometheus struct {
	succeeded *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheus registers the task collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		succeeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nvcf_successful_tasks_total",
			Help: "Total number of tasks that produced an image",
		}, []string{"task", "model"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nvcf_failed_tasks_total",
			Help: "Total number of tasks that failed",
		}, []string{"task", "model"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nvcf_task_processing_seconds",
			Help:    "Time taken to process tasks in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"task", "model"}),
	}
}

// TaskSucceeded implements Recorder.
func (p *Prometheus) TaskSucceeded(attrs Attributes) {
	p.succeeded.With(attrs.labels()).Inc()
}

// TaskFailed implements Recorder.
func (p *Prometheus) TaskFailed(attrs Attributes) {
	p.failed.With(attrs.labels()).Inc()
}

// TaskDuration implements Recorder.
func (p *Prometheus) TaskDuration(attrs Attributes, d time.Duration) {
	p.duration.With(attrs.labels()).Observe(d.Seconds())
}

// Nop discards everything.
type Nop struct{}

func (Nop) TaskSucceeded(Attributes)               {}
func (Nop) TaskFailed(Attributes)                  {}
func (Nop) TaskDuration(Attributes, time.Duration) {}

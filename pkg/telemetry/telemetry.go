// Package telemetry registers Prometheus collectors for the backbone.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/worker"
)

var (
	// JobsCompleted counts successfully processed jobs per queue.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_jobs_completed_total",
		Help: "Jobs completed, by queue.",
	}, []string{"queue"})

	// JobsFailed counts failed job attempts per queue.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_jobs_failed_total",
		Help: "Job attempts failed, by queue and whether a retry follows.",
	}, []string{"queue", "retrying"})

	// JobsActive tracks in-flight jobs per queue.
	JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backbone_jobs_active",
		Help: "Jobs currently processing, by queue.",
	}, []string{"queue"})

	// WorkerErrors counts worker-level errors per queue.
	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_worker_errors_total",
		Help: "Worker runtime errors, by queue.",
	}, []string{"queue"})

	// QueueDepth reports point-in-time queue depths.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backbone_queue_depth",
		Help: "Queue depth, by queue and state.",
	}, []string{"queue", "state"})

	// EnqueueFallbacks counts bulk chunks degraded to individual enqueues.
	EnqueueFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_enqueue_fallbacks_total",
		Help: "Bulk enqueue chunks that fell back to individual adds.",
	})

	// BrokerState reports the broker connection state as an enum gauge.
	BrokerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backbone_broker_state",
		Help: "Broker connection state (2 = ready).",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Record feeds one worker event into the collectors. Pipeline event loops
// call this before their own broadcast handling.
func Record(ev worker.Event) {
	switch ev.Type {
	case worker.EventActive:
		JobsActive.WithLabelValues(ev.Queue).Inc()
	case worker.EventCompleted:
		JobsActive.WithLabelValues(ev.Queue).Dec()
		JobsCompleted.WithLabelValues(ev.Queue).Inc()
	case worker.EventFailed:
		JobsActive.WithLabelValues(ev.Queue).Dec()
		retrying := "false"
		if ev.Retrying {
			retrying = "true"
		}
		JobsFailed.WithLabelValues(ev.Queue, retrying).Inc()
	case worker.EventError:
		WorkerErrors.WithLabelValues(ev.Queue).Inc()
	}
}

// WatchBroker mirrors broker state transitions into the state gauge for the
// rest of the process lifetime.
func WatchBroker(b *broker.Client) {
	BrokerState.Set(float64(b.State()))
	states := b.Subscribe()
	go func() {
		for state := range states {
			BrokerState.Set(float64(state))
		}
	}()
}

// ObserveDepths copies queue stats into the depth gauges.
func ObserveDepths(queue string, waiting, active, delayed, completed, failed int64) {
	QueueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues(queue, "active").Set(float64(active))
	QueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues(queue, "completed").Set(float64(completed))
	QueueDepth.WithLabelValues(queue, "failed").Set(float64(failed))
}

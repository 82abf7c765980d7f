// Package metrics defines the Prometheus collectors exported by elicit.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "elicit"

// Collectors groups every metric the orchestrator records.
type Collectors struct {
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	TasksSubmitted *prometheus.CounterVec
	TasksRejected  *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TaskRetries    *prometheus.CounterVec
	TasksActive    prometheus.Gauge
	TaskDuration   *prometheus.HistogramVec

	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge

	Retrievals            *prometheus.CounterVec
	InconsistenciesRaised prometheus.Counter
	InconsistencyDecision *prometheus.CounterVec
	CandidatesDiscarded   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil registerer
// yields working but unexported collectors.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "opened_total",
			Help: "Sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "closed_total",
			Help: "Sessions closed, by final status.",
		}, []string{"status"}),
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "tasks_submitted_total",
			Help: "Background tasks admitted, by operation kind.",
		}, []string{"kind"}),
		TasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "tasks_rejected_total",
			Help: "Background tasks refused at admission, by reason.",
		}, []string{"reason"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "tasks_finished_total",
			Help: "Background tasks finished, by kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "task_retries_total",
			Help: "Retry attempts after transient failures, by kind.",
		}, []string{"kind"}),
		TasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "tasks_active",
			Help: "Tasks admitted and not yet terminal.",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "task_duration_seconds",
			Help:    "Wall time from admission to terminal event.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Progress events published, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped from slow subscriber queues.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscribers",
			Help: "Open event subscriptions.",
		}),
		Retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "requests_total",
			Help: "Context retrievals, by mode (semantic or degraded).",
		}, []string{"mode"}),
		InconsistenciesRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inconsistency", Name: "raised_total",
			Help: "Inconsistency records created.",
		}),
		InconsistencyDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inconsistency", Name: "transitions_total",
			Help: "Inconsistency state transitions, by target status.",
		}, []string{"status"}),
		CandidatesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inconsistency", Name: "candidates_discarded_total",
			Help: "Classifier candidates dropped before recording, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.SessionsOpened, c.SessionsClosed,
			c.TasksSubmitted, c.TasksRejected, c.TasksFinished, c.TaskRetries,
			c.TasksActive, c.TaskDuration,
			c.EventsPublished, c.EventsDropped, c.Subscribers,
			c.Retrievals, c.InconsistenciesRaised, c.InconsistencyDecision, c.CandidatesDiscarded,
		)
	}
	return c
}

// Noop returns unregistered collectors for components built without metrics.
func Noop() *Collectors {
	return New(nil)
}

// Handler exposes the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Package metrics exposes prometheus collectors for the ledgers and the pipeline executor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imageflow"

// Collectors groups every imageflow metric. A nil *Collectors is valid and records nothing.
type Collectors struct {
	gatherer prometheus.Gatherer

	CreditsDebited  prometheus.Counter
	CreditsCredited prometheus.Counter
	DebitsRejected  prometheus.Counter

	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	RunsTotal  *prometheus.CounterVec
	ActiveRuns prometheus.Gauge

	VersionsAppended prometheus.Counter
}

// New registers all collectors on a fresh registry
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers all collectors on reg and serves them from gatherer
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		gatherer: gatherer,
		CreditsDebited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited from accounts.",
		}),
		CreditsCredited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_credited_total",
			Help:      "Credits added to accounts.",
		}),
		DebitsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_rejected_total",
			Help:      "Debits rejected for insufficient credits.",
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step invocations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step invoker latency by operation.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished jobs and executions by kind and status.",
		}, []string{"kind", "status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Jobs and executions currently running.",
		}),
		VersionsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_appended_total",
			Help:      "Versions appended to job histories.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveCredit records a committed balance change
func (c *Collectors) ObserveCredit(delta int64) {
	if c == nil {
		return
	}
	if delta < 0 {
		c.CreditsDebited.Add(float64(-delta))
	} else {
		c.CreditsCredited.Add(float64(delta))
	}
}

// ObserveDebitRejected records a debit refused for insufficient credits
func (c *Collectors) ObserveDebitRejected() {
	if c == nil {
		return
	}
	c.DebitsRejected.Inc()
}

// ObserveStep records one step invocation
func (c *Collectors) ObserveStep(operation string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.StepsTotal.WithLabelValues(operation, outcome).Inc()
	c.StepDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RunStarted increments the active run gauge
func (c *Collectors) RunStarted() {
	if c == nil {
		return
	}
	c.ActiveRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the outcome
func (c *Collectors) RunFinished(kind, status string) {
	if c == nil {
		return
	}
	c.ActiveRuns.Dec()
	c.RunsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveVersion records an appended version
func (c *Collectors) ObserveVersion() {
	if c == nil {
		return
	}
	c.VersionsAppended.Inc()
}

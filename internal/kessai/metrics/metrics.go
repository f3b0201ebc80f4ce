// Package metrics exports approval engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

const namespace = "kessai"

// Recorder holds the approval metrics. It implements approvals.Observer.
type Recorder struct {
	registry *prometheus.Registry

	votesTotal       *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
}

var _ approvals.Observer = (*Recorder)(nil)

// New creates a Recorder on its own registry, including the Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		votesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "approval",
				Name:      "votes_total",
				Help:      "Votes cast on approval cases by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "approval",
				Name:      "resolutions_total",
				Help:      "Approval cases leaving pending, by resulting status.",
			},
			[]string{"status"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "approval",
				Name:      "executions_total",
				Help:      "Approved actions run, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		executionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "approval",
				Name:      "execution_duration_seconds",
				Help:      "Time spent running approved actions.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
	}
	r.registry.MustRegister(
		r.votesTotal,
		r.resolutionsTotal,
		r.executionsTotal,
		r.executionSeconds,
		r.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveVote counts a vote by its outcome label.
func (r *Recorder) ObserveVote(op string, err error) {
	r.votesTotal.WithLabelValues(op, approvals.Reason(err)).Inc()
}

// ObserveResolution counts a case reaching status.
func (r *Recorder) ObserveResolution(status approvals.Status) {
	r.resolutionsTotal.WithLabelValues(string(status)).Inc()
}

// ObserveExecution records one executor run.
func (r *Recorder) ObserveExecution(kind approvals.Kind, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.executionsTotal.WithLabelValues(string(kind), result).Inc()
	r.executionSeconds.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveHTTP counts an API request.
func (r *Recorder) ObserveHTTP(route string, code int) {
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

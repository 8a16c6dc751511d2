// Package metrics holds the Prometheus collectors of the delivery service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes used as the jobs_total label.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	// HTTPRequestDuration observes HTTP request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobsTotal counts delivery jobs by outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_total", Help: "Delivery jobs by outcome"},
		[]string{"outcome"},
	)
	// EmailsSent counts messages accepted by the mail server.
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "emails_sent_total", Help: "Messages accepted by the SMTP server"},
	)
	// EmailsFailed counts messages the mail server refused.
	EmailsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "emails_failed_total", Help: "Messages the SMTP server refused"},
	)
	// JobDuration observes the time spent on one delivery job.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_process_duration_seconds",
			Help:    "Time spent processing a delivery job",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration,
		JobsTotal, EmailsSent, EmailsFailed, JobDuration,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

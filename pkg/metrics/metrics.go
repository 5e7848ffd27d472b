package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netpulse_nodes_total",
			Help: "Total number of live worker nodes",
		},
	)

	PinnedWorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpulse_pinned_workers_total",
			Help: "Pinned worker processes by node",
		},
		[]string{"node"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpulse_queue_depth",
			Help: "Jobs waiting per queue",
		},
		[]string{"queue"},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_jobs_total",
			Help: "Jobs reaching a terminal state, by status and queue strategy",
		},
		[]string{"status", "strategy"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpulse_job_duration_seconds",
			Help:    "Execution time from claim to terminal state",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)

	JobsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpulse_jobs_expired_total",
			Help: "Jobs discarded at claim time because their queue TTL elapsed",
		},
	)

	// Dispatch metrics
	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_spawns_total",
			Help: "Pinned worker spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netpulse_scheduling_latency_seconds",
			Help:    "Time from dispatch to enqueue, including spawn waits",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	KeepaliveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpulse_keepalive_failures_total",
			Help: "Pinned session keepalive probes that killed a session",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpulse_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Webhook metrics
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpulse_webhooks_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PinnedWorkersTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsExpired)
	prometheus.MustRegister(SpawnsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(KeepaliveFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WebhooksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamgate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamgate",
		Name:      "active_sessions",
		Help:      "Number of currently live streaming sessions.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamgate",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamgate",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamgate",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	BytesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "bytes_delivered_total",
		Help:      "Total bytes written to streaming clients.",
	})

	MetadataRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "metadata_retries_total",
		Help:      "Total metadata wait attempts that timed out and were retried.",
	})

	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "sessions_evicted_total",
		Help:      "Total sessions destroyed by the idle timer.",
	})

	ProbeCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "probe_cache_hits_total",
		Help:      "Total track probe requests answered from the TTL cache.",
	})

	ProbeCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Name:      "probe_cache_misses_total",
		Help:      "Total track probe requests that ran the ffprobe subprocess.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		BytesDeliveredTotal,
		MetadataRetriesTotal,
		SessionsEvictedTotal,
		ProbeCacheHitsTotal,
		ProbeCacheMissesTotal,
	)
}

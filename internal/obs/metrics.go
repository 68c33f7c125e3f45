package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesReadTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_lines_read_total", Help: "Input lines consumed"})
	AdmittedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_admitted_total", Help: "Connects issued and admitted to the pool"})
	DialErrorsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_dial_errors_total", Help: "Targets whose connect could not be issued"})
	ConnectedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_connected_total", Help: "Connections that completed the handshake"})
	ResultsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_results_total", Help: "Results reported"})
	ExpiredTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "rsgrab_ttl_expired_total", Help: "Entries closed by the TTL sweep"})
	ActiveConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "rsgrab_active_connections", Help: "Entries currently in the pool"})
	ConnDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rsgrab_connection_duration_seconds", Help: "Entry lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)})
)

package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the server exports. Collectors
// live on a private registry so multiple instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	// SessionsActive is labelled by visibility: "public" or "private".
	SessionsActive *prometheus.GaugeVec
	RoomsActive    prometheus.Gauge
	ExpiredCodes   prometheus.Counter

	SignalsRelayed prometheus.Counter
	SignalsDropped prometheus.Counter

	FilesAssembled prometheus.Counter
	FileBytes      prometheus.Counter

	SlowClientEvictions prometheus.Counter
	HeartbeatTimeouts   prometheus.Counter

	// RateLimitedConnections is labelled by scope: "global" or "per_ip".
	RateLimitedConnections *prometheus.CounterVec

	CPUPercent prometheus.Gauge
	MemoryRSS  prometheus.Gauge
	Goroutines prometheus.Gauge
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pastepoint_connections_active",
			Help: "Number of currently open WebSocket connections",
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_messages_sent_total",
			Help: "Total number of frames written to clients",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_messages_received_total",
			Help: "Total number of data frames read from clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_bytes_sent_total",
			Help: "Total payload bytes written to clients",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_bytes_received_total",
			Help: "Total payload bytes read from clients",
		}),

		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pastepoint_sessions_active",
			Help: "Number of registered sessions by visibility",
		}, []string{"visibility"}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pastepoint_rooms_active",
			Help: "Number of rooms across all sessions",
		}),
		ExpiredCodes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_expired_codes_total",
			Help: "Total number of private session codes that expired",
		}),

		SignalsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_signals_relayed_total",
			Help: "Total number of signaling messages delivered to a peer",
		}),
		SignalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_signals_dropped_total",
			Help: "Total number of signaling messages dropped by validation or routing",
		}),

		FilesAssembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_files_assembled_total",
			Help: "Total number of files reassembled from chunks",
		}),
		FileBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_file_bytes_total",
			Help: "Total reassembled file payload bytes",
		}),

		SlowClientEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_slow_client_evictions_total",
			Help: "Total number of clients evicted because their send buffer was full",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pastepoint_heartbeat_timeouts_total",
			Help: "Total number of connections closed by heartbeat timeout",
		}),

		RateLimitedConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pastepoint_rate_limited_connections_total",
			Help: "Total number of requests rejected by the connection rate limiter",
		}, []string{"scope"}),

		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pastepoint_process_cpu_percent",
			Help: "Process CPU usage percentage",
		}),
		MemoryRSS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pastepoint_process_memory_rss_bytes",
			Help: "Process resident set size in bytes",
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pastepoint_goroutines",
			Help: "Number of live goroutines",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus collectors for the server transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Disconnect reasons used as the "reason" label.
const (
	ReasonExplicit = "explicit"
	ReasonRemote   = "remote"
	ReasonOverflow = "overflow"
	ReasonCorrupt  = "corrupt"
)

// Metrics holds every collector the server updates.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	LocalState       prometheus.Gauge
	Admitted         prometheus.Counter
	Rejected         prometheus.Counter
	Disconnects      *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	DroppedPackets   prometheus.Counter
	TickDuration     prometheus.Histogram
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
//
// Parameters:
//   - reg: The registerer to use; prometheus.DefaultRegisterer in production
//   - namespace: Metric name prefix, e.g. "transport"
//
// Returns:
//   - The registered metrics
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connected_clients",
			Help:      "Number of registered remote clients",
		}),
		LocalState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "local_state",
			Help:      "Server lifecycle state (0 stopped, 1 starting, 2 started, 3 stopping)",
		}),
		Admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "admitted_total",
			Help:      "Connections admitted and registered",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rejected_total",
			Help:      "Connections refused because the server was full",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "disconnects_total",
			Help:      "Client disconnects by reason",
		}, []string{"reason"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sent_bytes_total",
			Help:      "Bytes handed to the driver",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "received_bytes_total",
			Help:      "Bytes received from registered clients",
		}),
		DroppedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "dropped_packets_total",
			Help:      "Packets dropped during flush or for unknown connections",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "tick_duration_seconds",
			Help:      "Time spent processing one network tick",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the endpoint.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: datagrams, packets, connections, streams.
//  - the success or error status of any of the above.
//  - the distribution of handshake and round trip latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsReceived counts UDP datagrams handed to the endpoint,
	// labelled by what became of them.
	// Example usage:
	//   metrics.DatagramsReceived.WithLabelValues("routed").Inc()
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_datagrams_received_total",
			Help: "UDP datagrams received, by disposition.",
		}, []string{"disposition"})

	// DatagramsSent counts UDP datagrams written to the socket.
	DatagramsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_datagrams_sent_total",
			Help: "UDP datagrams sent.",
		})

	// PacketsDecrypted counts QUIC packets that passed AEAD open, by
	// packet number space.
	PacketsDecrypted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_packets_decrypted_total",
			Help: "Packets successfully decrypted, by space.",
		}, []string{"space"})

	// PacketsLost counts packets declared lost by the recovery engine.
	PacketsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_packets_lost_total",
			Help: "Packets declared lost, by space.",
		}, []string{"space"})

	// PTOTotal counts probe timeout expirations.
	PTOTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_pto_total",
			Help: "Probe timeout expirations.",
		})

	// ConnectionsAccepted counts server-side accepted connections.
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_connections_accepted_total",
			Help: "Connections accepted by the server.",
		})

	// ConnectionsClosed counts connection terminations by reason.
	// Example usage:
	//   metrics.ConnectionsClosed.With(prometheus.Labels{"reason": "idle"}).Inc()
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_connections_closed_total",
			Help: "Connections closed, by reason.",
		}, []string{"reason"})

	// StatelessResetsSent counts stateless resets emitted for unroutable
	// datagrams.
	StatelessResetsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_stateless_resets_sent_total",
			Help: "Stateless reset datagrams sent.",
		})

	// RetrySent counts Retry packets sent for address validation.
	RetrySent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_retry_sent_total",
			Help: "Retry packets sent.",
		})

	// ErrorCount measures the number of errors.
	// Provides metrics:
	//    quic_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "decrypt"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// HandshakeTimeHistogram tracks how long handshakes take to confirm.
	HandshakeTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "quic_handshake_time_histogram",
			Help: "handshake confirmation latency distribution (seconds)",
			Buckets: []float64{
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1, 0.125, 0.16, 0.2, 0.25, 0.32, 0.4, 0.5, 0.63, 0.79,
				1.0, 1.25, 1.6, 2.0,
			},
		})

	// SmoothedRTTHistogram samples the smoothed RTT at connection close.
	SmoothedRTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "quic_smoothed_rtt_histogram",
			Help: "smoothed RTT distribution at connection close (seconds)",
			Buckets: []float64{
				0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
				0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
			},
		})

	// CwndHistogram samples the congestion window at connection close.
	CwndHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "quic_cwnd_bytes_histogram",
			Help: "congestion window distribution at connection close (bytes)",
			Buckets: []float64{
				2400, 4800, 9600, 14720,
				25000, 50000, 100000, 250000, 500000,
				1000000, 2500000, 5000000, 10000000,
			},
		})

	// StreamsOpened counts streams by initiator and directionality.
	StreamsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_streams_opened_total",
			Help: "Streams opened, by initiator and type.",
		}, []string{"initiator", "type"})

	// MigrationCount counts path migrations, at the moment a connection
	// moves to a new peer address and before that path is validated.
	MigrationCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_migrations_total",
			Help: "Connection migrations to a new peer address.",
		})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in quic.metrics are registered.")
}

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for a Device and its NetPortManager.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TRANSACTION METRICS
// =============================================================================

var (
	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmicore_transactions_total",
			Help: "Total number of completed QMI transactions",
		},
		[]string{"service", "message_id", "outcome"}, // outcome: success, error, no-result-tlv
	)

	transactionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qmicore_transaction_duration_seconds",
			Help:    "QMI transaction round-trip duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "message_id"},
	)

	timeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmicore_transaction_timeouts_total",
			Help: "Total number of QMI transactions that timed out waiting for a response",
		},
		[]string{"service", "message_id"},
	)

	abortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmicore_transaction_aborts_total",
			Help: "Total number of QMI transaction abort attempts",
		},
		[]string{"service", "message_id", "outcome"}, // outcome: aborted, not-aborted
	)
)

// =============================================================================
// NETPORT METRICS
// =============================================================================

var (
	netlinkRoundTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmicore_netlink_round_trips_total",
			Help: "Total number of rmnet netlink requests issued",
		},
		[]string{"operation", "status"}, // operation: add-link, del-link
	)

	netlinkRoundTripDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qmicore_netlink_round_trip_duration_seconds",
			Help:    "rmnet netlink request round-trip duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation"},
	)

	muxLinksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qmicore_mux_links_active",
			Help: "Number of currently active muxed net links",
		},
		[]string{"backend"}, // backend: rmnet, qmi-wwan
	)
)

// =============================================================================
// ENDPOINT METRICS
// =============================================================================

var (
	endpointHangupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmicore_endpoint_hangups_total",
			Help: "Total number of transport endpoint hangups observed",
		},
		[]string{"transport"}, // transport: qmux, mbim, qrtr
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// Metrics is a zero-size handle whose methods delegate to this package's
// process-wide Prometheus collectors. A *Metrics value satisfies device's
// structural metricsRecorder interface, so a Device can be constructed
// with &observability.Metrics{} without this package needing to import
// device.
type Metrics struct{}

// RecordTransactionComplete records a completed transaction's outcome and
// round-trip duration.
func (*Metrics) RecordTransactionComplete(service byte, messageID uint16, outcome string, duration time.Duration) {
	RecordTransactionComplete(service, messageID, outcome, duration)
}

// RecordTimeout records a transaction that timed out waiting for a
// response.
func (*Metrics) RecordTimeout(service byte, messageID uint16) {
	RecordTimeout(service, messageID)
}

// RecordAbort records the outcome of an abort attempt.
func (*Metrics) RecordAbort(service byte, messageID uint16, outcome string) {
	RecordAbort(service, messageID, outcome)
}

// RecordNetlinkRoundTrip records one rmnet netlink request. It satisfies
// netport's structural metricsRecorder interface.
func (*Metrics) RecordNetlinkRoundTrip(operation, status string, duration time.Duration) {
	RecordNetlinkRoundTrip(operation, status, duration)
}

// SetActiveMuxLinks sets the current gauge of active muxed links for a
// NetPortManager backend.
func (*Metrics) SetActiveMuxLinks(backend string, count int) {
	SetActiveMuxLinks(backend, count)
}

// RecordTransactionComplete records a completed transaction's outcome and
// round-trip duration. It is also exposed as a free function for callers
// that don't need a full Metrics handle (e.g. ad hoc instrumentation).
func RecordTransactionComplete(service byte, messageID uint16, outcome string, duration time.Duration) {
	s := serviceLabel(service)
	m := messageIDLabel(messageID)
	transactionsTotal.WithLabelValues(s, m, outcome).Inc()
	transactionDurationSeconds.WithLabelValues(s, m).Observe(duration.Seconds())
}

// RecordTimeout records a transaction that timed out waiting for a
// response.
func RecordTimeout(service byte, messageID uint16) {
	timeoutsTotal.WithLabelValues(serviceLabel(service), messageIDLabel(messageID)).Inc()
}

// RecordAbort records the outcome of an abort attempt.
func RecordAbort(service byte, messageID uint16, outcome string) {
	abortsTotal.WithLabelValues(serviceLabel(service), messageIDLabel(messageID), outcome).Inc()
}

// RecordNetlinkRoundTrip records one rmnet netlink request.
func RecordNetlinkRoundTrip(operation, status string, duration time.Duration) {
	netlinkRoundTripsTotal.WithLabelValues(operation, status).Inc()
	netlinkRoundTripDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveMuxLinks sets the current gauge of active muxed links for a
// NetPortManager backend.
func SetActiveMuxLinks(backend string, count int) {
	muxLinksActive.WithLabelValues(backend).Set(float64(count))
}

// RecordEndpointHangup records a transport endpoint hangup.
func RecordEndpointHangup(transportName string) {
	endpointHangupsTotal.WithLabelValues(transportName).Inc()
}

func serviceLabel(service byte) string {
	return byteLabel(service)
}

func byteLabel(b byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[b>>4], hex[b&0xf]})
}

func messageIDLabel(id uint16) string {
	const hex = "0123456789abcdef"
	b := [4]byte{hex[(id>>12)&0xf], hex[(id>>8)&0xf], hex[(id>>4)&0xf], hex[id&0xf]}
	return "0x" + string(b[:])
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Handshake traffic over the message channel
	handshakeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_handshake_events_total",
		Help: "Total handshake events crossing the message channel",
	}, []string{
		"direction", // inbound, outbound
		"step",      // SETUP, DATA, ACCEPT, EXIT, or the raw inbound value
	})

	// Transaction outcomes
	transactionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_transaction_outcomes_total",
		Help: "Total transactions reaching an outcome",
	}, []string{
		"terminal_status", // COMPLETED, CANCELED, ..., or NETWORK_ERROR
		"closing_step",    // ACCEPT, EXIT, or none when unhandled
	})

	protocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_protocol_errors_total",
		Help: "Total inbound messages rejected by the protocol state machine",
	}, []string{
		"code",
	})

	// Terminal gateway calls
	terminalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "bridge_terminal_request_duration_seconds",
		Help: "Time from payment request to gateway response",
		// The call spans the whole card interaction at the terminal
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{
		"result", // ok, network_error, circuit_open
	})

	terminalCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_terminal_circuit_state",
		Help: "Terminal gateway circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_sessions",
		Help: "Number of live bridge sessions",
	})

	sessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_reaped_total",
		Help: "Total sessions removed after exceeding their TTL",
	})
)

// RecordHandshakeEvent records one event sent or received on the channel
func RecordHandshakeEvent(direction, step string) {
	handshakeEventsTotal.WithLabelValues(direction, step).Inc()
}

// RecordTransactionOutcome records how a transaction ended.
// closingStep is empty for statuses that leave the dialog open.
func RecordTransactionOutcome(terminalStatus, closingStep string) {
	if closingStep == "" {
		closingStep = "none"
	}
	transactionOutcomesTotal.WithLabelValues(terminalStatus, closingStep).Inc()
}

// RecordProtocolError records a rejected inbound message
func RecordProtocolError(code string) {
	protocolErrorsTotal.WithLabelValues(code).Inc()
}

// RecordTerminalRequest records a gateway call
func RecordTerminalRequest(result string, duration float64) {
	terminalRequestDuration.WithLabelValues(result).Observe(duration)
}

// SetTerminalCircuitState publishes the breaker state
func SetTerminalCircuitState(state float64) {
	terminalCircuitState.Set(state)
}

// SetActiveSessions publishes the live session count
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionsReaped records sessions dropped by the TTL reaper
func RecordSessionsReaped(count int) {
	sessionsReapedTotal.Add(float64(count))
}

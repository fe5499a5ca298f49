package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transitions counts lifecycle events applied through the gateway.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcing_option_transitions_total",
			Help: "Option lifecycle events by event name and outcome (applied, noop, rejected, stale).",
		},
		[]string{"event", "outcome"},
	)

	// WriteConflicts counts revision conflicts observed by the gateway.
	WriteConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcing_store_write_conflicts_total",
			Help: "Compare-and-write revision conflicts by result (retried, exhausted).",
		},
		[]string{"result"},
	)

	// Dispatches counts outreach attempts by outcome.
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcing_outreach_dispatches_total",
			Help: "Outreach attempts by outcome (started, skipped, completed, failed, stale).",
		},
		[]string{"outcome"},
	)

	// InFlightCalls is the number of provider calls currently being polled.
	InFlightCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sourcing_outreach_inflight_calls",
			Help: "Provider calls currently in flight in this process.",
		},
	)

	// Turns counts orchestrator turns by decision and outcome.
	Turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcing_turns_total",
			Help: "Agent turns by decision (clarify, discover, outreach, fallback) and outcome.",
		},
		[]string{"decision", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(Transitions)
	prometheus.MustRegister(WriteConflicts)
	prometheus.MustRegister(Dispatches)
	prometheus.MustRegister(InFlightCalls)
	prometheus.MustRegister(Turns)
}

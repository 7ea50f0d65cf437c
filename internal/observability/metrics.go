// Package observability provides metrics, structured logging, and tracing
// for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects agent runtime metrics on a Prometheus registry.
type Metrics struct {
	// TurnsTotal counts provider round trips started.
	TurnsTotal prometheus.Counter

	// RetriesTotal counts scheduled stream retries.
	RetriesTotal prometheus.Counter

	// EventsTotal counts emitted agent events by type.
	EventsTotal *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// Compactions counts transcript compactions.
	// Labels: trigger (proactive|overflow)
	Compactions *prometheus.CounterVec
}

// NewMetrics registers the agent metric set on the given registerer. Pass
// prometheus.DefaultRegisterer for the process default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_agent_turns_total",
			Help: "Provider round trips started.",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_agent_retries_total",
			Help: "Stream retries scheduled after transient provider failures.",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_agent_events_total",
			Help: "Agent events emitted, by type.",
		}, []string{"type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "status"}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tokens_used_total",
			Help: "Tokens consumed, by type.",
		}, []string{"type"}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_compactions_total",
			Help: "Transcript compactions, by trigger.",
		}, []string{"trigger"}),
	}
}

// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeBusy      = "busy"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomePanic     = "panic"
)

// Provider request results
const (
	ResultOK          = "ok"
	ResultExpired     = "expired"
	ResultError       = "error"
	ResultUnavailable = "unavailable"
	ResultRawText     = "raw_text"
)

var (
	// Turns counts bridge invocations by outcome
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botbridge",
		Name:      "turns_total",
		Help:      "Bot bridge turns by outcome.",
	}, []string{"outcome"})

	// ProviderRequests counts calls to the bot provider
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botbridge",
		Name:      "provider_requests_total",
		Help:      "Bot provider HTTP requests by endpoint and result.",
	}, []string{"endpoint", "result"})

	// FallbackSent counts fallback texts sent after repeated empty replies
	FallbackSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botbridge",
		Name:      "fallback_sent_total",
		Help:      "Fallback messages sent after consecutive empty provider replies.",
	})

	// SessionTransitions counts state machine transitions
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botbridge",
		Name:      "session_transitions_total",
		Help:      "Bot session state transitions.",
	}, []string{"from", "to"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

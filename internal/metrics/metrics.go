// Package metrics exposes prometheus instrumentation for the commerce SDK.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's prometheus collectors.
type Metrics struct {
	BridgeDispatches     *prometheus.CounterVec
	Reconciliations      *prometheus.CounterVec
	RetryAttempts        prometheus.Counter
	TransactionsFinished prometheus.Counter
}

// New creates the collectors and registers them on reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BridgeDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commercekit",
			Name:      "bridge_dispatch_total",
			Help:      "Bridge action dispatches by action name and outcome.",
		}, []string{"action", "outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commercekit",
			Name:      "reconcile_total",
			Help:      "Entitlement reconciliations by result and mode.",
		}, []string{"result", "mode"}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commercekit",
			Name:      "retry_attempts_total",
			Help:      "Network request attempts made under the retry policy.",
		}),
		TransactionsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commercekit",
			Name:      "transactions_finished_total",
			Help:      "Store transactions acknowledged as processed.",
		}),
	}
	reg.MustRegister(m.BridgeDispatches, m.Reconciliations, m.RetryAttempts, m.TransactionsFinished)
	return m
}

// NewNop creates unregistered collectors for wiring without a registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

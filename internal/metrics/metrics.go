// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthorizationsTotal counts pre-flight credit checks by outcome.
var AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "gate",
	Name:      "authorizations_total",
	Help:      "Total authorization requests by outcome (granted, denied, error).",
}, []string{"outcome", "operation"})

// RefundsTotal counts compensating refunds.
var RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "gate",
	Name:      "refunds_total",
	Help:      "Total compensating refunds applied.",
})

// NotificationsTotal counts processor notifications by reconcile outcome.
var NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "reconciler",
	Name:      "notifications_total",
	Help:      "Total payment-processor notifications by outcome (applied, already_applied, rejected).",
}, []string{"outcome"})

// SignatureFailuresTotal counts webhook deliveries rejected before the
// reconciler for a bad or missing signature.
var SignatureFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "reconciler",
	Name:      "signature_failures_total",
	Help:      "Total webhook deliveries rejected for an invalid signature.",
})

// ResetsTotal counts allowance cycle resets applied by the sweeper.
var ResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "allowance",
	Name:      "resets_total",
	Help:      "Total billing-cycle allowance resets applied.",
})

// SweepFailuresTotal counts per-account reset failures during a sweep.
var SweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "allowance",
	Name:      "sweep_failures_total",
	Help:      "Total accounts whose cycle reset failed during a sweep.",
})

// LedgerConflictsTotal counts ledger writes surfaced as conflicts after
// the bounded retry loop gave up.
var LedgerConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "write_conflicts_total",
	Help:      "Total ledger writes that exhausted conflict retries.",
})

// DueAccountsGauge tracks how many accounts the last sweep found due.
var DueAccountsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "allowance",
	Name:      "due_accounts",
	Help:      "Accounts due for a cycle reset at the last sweep.",
})

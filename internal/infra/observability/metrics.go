// Package observability holds the service's Prometheus metrics.
// Collectors are package-level promauto vars so any component can record
// without wiring a registry through every constructor.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Selection Metrics ──────────────────────────────────────────────────────

// Selections counts arm selections by policy and arm.
var Selections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "policy",
	Name:      "selections_total",
	Help:      "Total arm selections by policy and arm.",
}, []string{"policy", "arm"})

// SelectionLatency tracks end-to-end arm selection latency.
var SelectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "banditd",
	Subsystem: "policy",
	Name:      "selection_latency_ms",
	Help:      "Arm selection latency in milliseconds.",
	Buckets:   []float64{1, 2, 5, 10, 25, 50, 120, 250, 500},
})

// SelectionFallbacks counts selections that fell back to the default policy
// after exceeding the state-read budget.
var SelectionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "policy",
	Name:      "selection_fallbacks_total",
	Help:      "Selections that fell back to the default policy.",
})

// PolicyUpdates counts reward-driven policy state updates by policy.
var PolicyUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "policy",
	Name:      "updates_total",
	Help:      "Total policy state updates by policy.",
}, []string{"policy"})

// ─── Reward Pipeline Metrics ────────────────────────────────────────────────

// RewardsComputed counts attributed rewards by pass (pending, retry, sweep).
var RewardsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "rewards",
	Name:      "computed_total",
	Help:      "Total rewards attributed, by processing pass.",
}, []string{"pass"})

// ─── Guardrail Metrics ──────────────────────────────────────────────────────

// GuardrailChecks counts guardrail evaluations by check and status.
var GuardrailChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "guardrails",
	Name:      "checks_total",
	Help:      "Guardrail check results by check name and status.",
}, []string{"check", "status"})

// Rollbacks counts automatic experiment rollbacks.
var Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "guardrails",
	Name:      "rollbacks_total",
	Help:      "Total automatic experiment rollbacks.",
})

// ─── Decision Metrics ───────────────────────────────────────────────────────

// Decisions counts ship/iterate/kill outcomes.
var Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "decisions",
	Name:      "outcomes_total",
	Help:      "Experiment decisions by outcome.",
}, []string{"decision"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts API requests by method and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests by method and status class.",
}, []string{"method", "class"})

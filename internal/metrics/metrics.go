// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package metrics exposes Prometheus instrumentation for the engine:
// decision throughput, emitted events, raised alerts, challenge and lockout
// lifecycles, sweep reclamation, and circuit breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsLogged counts security events appended to the store.
	EventsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_events_logged_total",
			Help: "Total number of security events appended to the event store",
		},
		[]string{"type", "severity"},
	)

	// AlertsRaised counts alerts synthesized by the correlator.
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_alerts_raised_total",
			Help: "Total number of alerts raised by correlation rules",
		},
		[]string{"correlation", "severity"},
	)

	// RateLimitDecisions counts limiter verdicts per rule.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_ratelimit_decisions_total",
			Help: "Total number of rate limit checks by outcome",
		},
		[]string{"rule", "outcome"}, // outcome: allowed, denied
	)

	// PatternsTriggered counts abuse pattern firings.
	PatternsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_abuse_patterns_triggered_total",
			Help: "Total number of abuse pattern firings by configured action",
		},
		[]string{"pattern", "action"},
	)

	// ChallengesIssued counts issued human-verification challenges.
	ChallengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_challenges_issued_total",
			Help: "Total number of human-verification challenges issued",
		},
	)

	// ChallengeVerifications counts verification attempts by outcome.
	ChallengeVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_challenge_verifications_total",
			Help: "Total number of challenge verification attempts by outcome",
		},
		[]string{"outcome"}, // solved, mismatch, expired, exceeded, unknown
	)

	// ActiveLockouts tracks currently active account lockouts.
	ActiveLockouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "castellan_active_lockouts",
			Help: "Number of currently active account lockouts",
		},
	)

	// SpamScored counts content scoring runs by verdict.
	SpamScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_spam_scored_total",
			Help: "Total number of content scoring runs by verdict",
		},
		[]string{"verdict"}, // spam, ham
	)

	// SweepReclaimed counts entries removed by the periodic sweeper.
	SweepReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_sweep_reclaimed_total",
			Help: "Total number of expired entries reclaimed by the sweeper",
		},
		[]string{"kind"}, // counter, pattern, challenge, lockout, event
	)

	// CircuitBreakerState reflects breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castellan_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

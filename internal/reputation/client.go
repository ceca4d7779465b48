// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package reputation defines the client contract for external source
// reputation lookups and a circuit breaker wrapper for flaky providers.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/castellanhq/castellan/internal/metrics"
)

// ErrUnavailable is returned when no reputation provider is configured.
var ErrUnavailable = errors.New("reputation provider not configured")

// Verdict classifies a source address.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// Report is a provider's assessment of a source.
type Report struct {
	Source    string    `json:"source"`
	Verdict   Verdict   `json:"verdict"`
	Score     float64   `json:"score"` // 0 clean .. 1 malicious
	Provider  string    `json:"provider"`
	CheckedAt time.Time `json:"checked_at"`
}

// Client looks up the reputation of a source address.
type Client interface {
	Lookup(ctx context.Context, source string) (Report, error)
	Name() string
}

// Unavailable is the null provider used when no external service is
// configured. Every lookup fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Lookup(context.Context, string) (Report, error) {
	return Report{}, ErrUnavailable
}

func (Unavailable) Name() string { return "unavailable" }

// Breaker wraps a Client with a circuit breaker so a degraded provider
// cannot stall callers. Lookups made while the circuit is open fail fast.
type Breaker struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[Report]
}

// NewBreaker wraps the client. The circuit opens when at least 60% of the
// last 10+ lookups failed and probes again after 30 seconds.
func NewBreaker(inner Client) *Breaker {
	name := "reputation-" + inner.Name()
	cb := gobreaker.NewCircuitBreaker[Report](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

// Lookup proxies to the wrapped client through the breaker.
func (b *Breaker) Lookup(ctx context.Context, source string) (Report, error) {
	report, err := b.cb.Execute(func() (Report, error) {
		return b.inner.Lookup(ctx, source)
	})
	if err != nil {
		return Report{}, fmt.Errorf("reputation lookup for %s: %w", source, err)
	}
	return report, nil
}

// Name reports the wrapped provider's name.
func (b *Breaker) Name() string { return b.inner.Name() }

// State exposes the current breaker state for the admin surface.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

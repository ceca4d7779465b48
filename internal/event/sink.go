// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import (
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/castellanhq/castellan/internal/logging"
	"github.com/castellanhq/castellan/internal/metrics"
)

// Sink receives every appended event synchronously, in append order.
// Implementations must be fast and non-blocking; delivery durability is the
// subscriber's concern.
type Sink interface {
	// Consume is invoked once per appended event.
	Consume(evt SecurityEvent)

	// Name identifies the sink in logs.
	Name() string
}

// Subscribe registers a sink for synchronous event delivery.
func (s *Store) Subscribe(sink Sink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// notify fans an event out to all registered sinks.
func (s *Store) notify(evt SecurityEvent) {
	s.sinkMu.RLock()
	sinks := s.sinks
	s.sinkMu.RUnlock()

	for _, sink := range sinks {
		sink.Consume(evt)
	}
}

// Forwarder delivers events to an external system (log shipper, SIEM).
type Forwarder interface {
	Forward(evt SecurityEvent) error
	Name() string
}

// BreakerSink adapts a Forwarder into a Sink behind a circuit breaker, so a
// slow or failing external collector cannot stall the event hot path.
// Dropped events are logged; the store itself remains the system of record.
type BreakerSink struct {
	fw Forwarder
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSink wraps a forwarder with a circuit breaker. The breaker opens
// after a 60% failure rate over at least 10 requests and probes again after
// 30 seconds.
func NewBreakerSink(fw Forwarder) *BreakerSink {
	name := "forwarder-" + fw.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
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
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("forwarder circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &BreakerSink{fw: fw, cb: cb}
}

// Consume forwards the event through the breaker, dropping it when the
// breaker is open or the forwarder fails.
func (b *BreakerSink) Consume(evt SecurityEvent) {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.fw.Forward(evt)
	})
	if err != nil {
		logging.Debug().
			Err(err).
			Str("sink", b.Name()).
			Str("event_id", evt.ID).
			Msg("event forward dropped")
	}
}

// Name identifies the sink in logs.
func (b *BreakerSink) Name() string {
	return b.fw.Name()
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/castellanhq/castellan/internal/abuse"
	"github.com/castellanhq/castellan/internal/config"
	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/ratelimit"
	"github.com/castellanhq/castellan/internal/snapshot"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Events = event.DefaultConfig()
	cfg.RateLimit.Rules = []ratelimit.Rule{{
		ID:          "login",
		Method:      "POST",
		PathPrefix:  "/api/login",
		Window:      time.Minute,
		MaxRequests: 5,
	}}
	cfg.Abuse.Patterns = []abuse.Pattern{{
		ID:        "burst",
		Name:      "request burst",
		Kind:      abuse.KindFrequency,
		Threshold: 3,
		Window:    time.Minute,
		Severity:  event.SeverityMedium,
		Action:    abuse.ActionChallenge,
		Enabled:   true,
	}}
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	snap, err := snapshot.Open(snapshot.Config{})
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	e, err := New(testConfig(), Options{Snapshot: snap})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

func TestInspect_RateLimitDenialRecordsEvent(t *testing.T) {
	e := newTestEngine(t)

	req := Request{Method: "POST", Path: "/api/login", Source: "203.0.113.1", UserID: "u1"}
	for i := 0; i < 5; i++ {
		a := e.Inspect(req, t0.Add(time.Duration(i)*time.Second))
		if !a.RateLimit.Allowed {
			t.Fatalf("request %d denied early", i+1)
		}
	}

	a := e.Inspect(req, t0.Add(10*time.Second))
	if a.RateLimit.Allowed {
		t.Fatal("6th login must be denied")
	}

	events := e.Events.Events(event.Filter{Types: []event.Type{event.TypeRateLimitExceeded}})
	if len(events) != 1 {
		t.Fatalf("rate_limit_exceeded events = %d, want 1", len(events))
	}
	if events[0].Details["rule"] != "login" {
		t.Errorf("event rule = %q", events[0].Details["rule"])
	}
}

func TestInspect_TriggeredChallengeIssuedInline(t *testing.T) {
	e := newTestEngine(t)

	req := Request{Method: "GET", Path: "/whatever", Source: "src", UserID: "u1"}
	var a Assessment
	for i := 0; i < 4; i++ {
		a = e.Inspect(req, t0.Add(time.Duration(i)*time.Second))
	}

	if len(a.Triggered) != 1 {
		t.Fatalf("4th request triggered %d patterns, want 1", len(a.Triggered))
	}
	if a.Challenge == nil || a.Challenge.Prompt == "" {
		t.Fatal("challenge action must issue a challenge inline")
	}
	if got := len(e.Challenges.Active(t0.Add(4 * time.Second))); got != 1 {
		t.Errorf("active challenges = %d, want 1", got)
	}
}

func TestInspect_LockedShortCircuits(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Lockouts.Lock("u1", "abuse", "src", t0); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	a := e.Inspect(Request{Method: "POST", Path: "/api/login", Source: "src", UserID: "u1"}, t0.Add(time.Minute))
	if !a.Locked {
		t.Fatal("locked user must short-circuit")
	}
	if a.RateLimit.Allowed || len(a.Triggered) != 0 {
		t.Errorf("locked assessment evaluated downstream checks: %+v", a)
	}
}

func TestSweep_CoversAllComponents(t *testing.T) {
	e := newTestEngine(t)

	e.Limiter.Check("login", "a", t0)
	e.Detector.Detect("a", "u", nil, t0)
	e.Challenges.Issue("u", "a", t0)

	if removed := e.Sweep(t0.Add(2 * time.Hour)); removed < 3 {
		t.Errorf("Sweep reclaimed %d records, want at least 3", removed)
	}
}

func TestFlushRoundTrip(t *testing.T) {
	snap, err := snapshot.Open(snapshot.Config{})
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	e, err := New(testConfig(), Options{Snapshot: snap})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	e.Events.Log(event.Record{
		Type:     event.TypeLoginFailure,
		Severity: event.SeverityMedium,
		Source:   "203.0.113.1",
		UserID:   "u1",
	}, t0)
	if err := e.Lockouts.Lock("u1", "abuse", "src", t0); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := e.Flush(context.Background(), t0.Add(time.Minute)); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := snap.LoadEvents()
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	// login failure plus the lockout event
	if len(events) != 2 {
		t.Errorf("persisted events = %d, want 2", len(events))
	}
	lockouts, err := snap.LoadLockouts()
	if err != nil {
		t.Fatalf("LoadLockouts: %v", err)
	}
	if len(lockouts) != 1 || lockouts[0].UserID != "u1" {
		t.Errorf("persisted lockouts = %+v", lockouts)
	}
	at, err := snap.FlushedAt()
	if err != nil {
		t.Fatalf("FlushedAt: %v", err)
	}
	if !at.Equal(t0.Add(time.Minute)) {
		t.Errorf("flush marker = %v", at)
	}
}

func TestFlush_CanceledContext(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Flush(ctx, t0); err == nil {
		t.Fatal("Flush with canceled context must fail")
	}
}

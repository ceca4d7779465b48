// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loginRule() Rule {
	return Rule{
		ID:          "login",
		Method:      "POST",
		PathPrefix:  "/api/login",
		Window:      60 * time.Second,
		MaxRequests: 5,
	}
}

func mustLimiter(t *testing.T, rules ...Rule) *Limiter {
	t.Helper()
	l, err := NewLimiter(rules)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return l
}

func TestCheck_SixthCallDenied(t *testing.T) {
	l := mustLimiter(t, loginRule())

	for i := 0; i < 5; i++ {
		dec := l.Check("login", "203.0.113.1", t0.Add(time.Duration(i)*time.Second))
		if !dec.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if dec.Remaining != 4-i {
			t.Errorf("call %d Remaining = %d, want %d", i+1, dec.Remaining, 4-i)
		}
	}

	dec := l.Check("login", "203.0.113.1", t0.Add(10*time.Second))
	if dec.Allowed {
		t.Fatal("6th call within the window must be denied")
	}
	if dec.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s (window opened at t0)", dec.RetryAfter)
	}
	if !dec.ResetAt.Equal(t0.Add(60 * time.Second)) {
		t.Errorf("ResetAt = %v, want t0+60s", dec.ResetAt)
	}
}

func TestCheck_WindowElapseResets(t *testing.T) {
	l := mustLimiter(t, loginRule())

	for i := 0; i < 6; i++ {
		l.Check("login", "203.0.113.1", t0)
	}

	dec := l.Check("login", "203.0.113.1", t0.Add(61*time.Second))
	if !dec.Allowed {
		t.Fatal("call after the window elapsed must be allowed")
	}
	if dec.Remaining != 4 {
		t.Errorf("fresh window Remaining = %d, want 4", dec.Remaining)
	}
	if !dec.ResetAt.Equal(t0.Add(121 * time.Second)) {
		t.Errorf("fresh window ResetAt = %v, want t0+121s", dec.ResetAt)
	}
}

func TestCheck_DenialDoesNotConsumeWindow(t *testing.T) {
	rule := loginRule()
	rule.MaxRequests = 1
	l := mustLimiter(t, rule)

	l.Check("login", "s", t0)
	for i := 0; i < 10; i++ {
		dec := l.Check("login", "s", t0.Add(time.Second))
		if dec.Allowed {
			t.Fatal("denied call must not be allowed")
		}
		// resetAt stays pinned to the original window
		if !dec.ResetAt.Equal(t0.Add(60 * time.Second)) {
			t.Fatalf("ResetAt drifted to %v", dec.ResetAt)
		}
	}
}

func TestCheck_SubjectsIndependent(t *testing.T) {
	rule := loginRule()
	rule.MaxRequests = 1
	l := mustLimiter(t, rule)

	if !l.Check("login", "a", t0).Allowed {
		t.Fatal("first subject should be allowed")
	}
	if !l.Check("login", "b", t0).Allowed {
		t.Error("a different subject must have its own window")
	}
	if l.Check("login", "a", t0).Allowed {
		t.Error("first subject should now be limited")
	}
}

func TestCheck_NoRuleAlwaysAllowed(t *testing.T) {
	l := mustLimiter(t)
	for i := 0; i < 100; i++ {
		dec := l.Check("unconfigured", "s", t0)
		if !dec.Allowed || dec.Remaining != -1 {
			t.Fatalf("unmatched request must always be allowed, got %+v", dec)
		}
	}
}

func TestCheck_NoLostUpdatesUnderConcurrency(t *testing.T) {
	rule := loginRule()
	rule.MaxRequests = 50
	l := mustLimiter(t, rule)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if l.Check("login", "shared", t0).Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Errorf("allowed %d calls for max 50", got)
	}
}

func TestMatch(t *testing.T) {
	api := Rule{ID: "api", PathPrefix: "/api/", Window: time.Minute, MaxRequests: 100}
	l := mustLimiter(t, loginRule(), api)

	tests := []struct {
		method, path string
		wantID       string
		wantMatch    bool
	}{
		{"POST", "/api/login", "login", true},
		{"post", "/api/login/otp", "login", true}, // method match is case-insensitive
		{"GET", "/api/login", "api", true},        // method mismatch falls through to next rule
		{"GET", "/api/files", "api", true},
		{"GET", "/health", "", false},
	}

	for _, tt := range tests {
		r, ok := l.Match(tt.method, tt.path)
		if ok != tt.wantMatch || r.ID != tt.wantID {
			t.Errorf("Match(%s %s) = (%q, %v), want (%q, %v)",
				tt.method, tt.path, r.ID, ok, tt.wantID, tt.wantMatch)
		}
	}
}

func TestCountsOutcome(t *testing.T) {
	tests := []struct {
		name                   string
		failures, successes    bool
		successCounts, failCounts bool
	}{
		{"neither flag counts everything", false, false, true, true},
		{"failures only", true, false, false, true},
		{"successes only", false, true, true, false},
		{"both", true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{CountFailures: tt.failures, CountSuccesses: tt.successes}
			if got := r.CountsOutcome(true); got != tt.successCounts {
				t.Errorf("CountsOutcome(success) = %v, want %v", got, tt.successCounts)
			}
			if got := r.CountsOutcome(false); got != tt.failCounts {
				t.Errorf("CountsOutcome(failure) = %v, want %v", got, tt.failCounts)
			}
		})
	}
}

func TestUpdateRule(t *testing.T) {
	l := mustLimiter(t, loginRule())

	updated := loginRule()
	updated.MaxRequests = 2
	if err := l.UpdateRule(updated); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if got := l.Rules()[0].MaxRequests; got != 2 {
		t.Errorf("MaxRequests after update = %d, want 2", got)
	}

	missing := loginRule()
	missing.ID = "ghost"
	if err := l.UpdateRule(missing); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("UpdateRule(unknown) = %v, want ErrUnknownRule", err)
	}

	invalid := loginRule()
	invalid.MaxRequests = 0
	if err := l.UpdateRule(invalid); err == nil {
		t.Error("UpdateRule must reject an invalid rule")
	}
}

func TestNewLimiter_RejectsInvalidAndDuplicate(t *testing.T) {
	bad := loginRule()
	bad.Window = 0
	if _, err := NewLimiter([]Rule{bad}); err == nil {
		t.Error("expected validation error for zero window")
	}

	if _, err := NewLimiter([]Rule{loginRule(), loginRule()}); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestSweep_ReclaimsExpiredCounters(t *testing.T) {
	l := mustLimiter(t, loginRule())

	l.Check("login", "a", t0)
	l.Check("login", "b", t0)
	l.Check("login", "c", t0.Add(2*time.Minute))

	removed := l.Sweep(t0.Add(90 * time.Second))
	if removed != 2 {
		t.Errorf("Sweep removed %d counters, want 2", removed)
	}

	// counter for "a" was reclaimed; a new check opens a fresh window
	dec := l.Check("login", "a", t0.Add(91*time.Second))
	if !dec.Allowed || dec.Remaining != 4 {
		t.Errorf("post-sweep check = %+v, want fresh window", dec)
	}
}

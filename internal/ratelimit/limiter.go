// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package ratelimit implements fixed-window request counting keyed by
// rule and subject. Counters live in hash-striped shards so unrelated
// subjects never contend on a lock.
package ratelimit

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/castellanhq/castellan/internal/metrics"
	"github.com/castellanhq/castellan/internal/validation"
)

// ErrUnknownRule is returned when an admin update names a rule id that does
// not exist.
var ErrUnknownRule = errors.New("rate limit rule not found")

// Rule is a rate limit configuration entry. Method and PathPrefix select the
// requests the rule applies to; the counting flags tell the caller which
// request outcomes to count (the limiter itself never sees outcomes).
type Rule struct {
	ID          string        `koanf:"id" json:"id" validate:"required"`
	Method      string        `koanf:"method" json:"method,omitempty"` // empty matches any method
	PathPrefix  string        `koanf:"path_prefix" json:"path_prefix" validate:"required"`
	Window      time.Duration `koanf:"window" json:"window" validate:"gt=0"`
	MaxRequests int           `koanf:"max_requests" json:"max_requests" validate:"gt=0"`

	// CountFailures / CountSuccesses tell the caller whether to invoke
	// Check for failed or successful request outcomes.
	CountFailures  bool `koanf:"count_failures" json:"count_failures"`
	CountSuccesses bool `koanf:"count_successes" json:"count_successes"`
}

// CountsOutcome reports whether the rule counts a request with the given
// outcome. Rules with neither flag set count everything.
func (r Rule) CountsOutcome(success bool) bool {
	if !r.CountFailures && !r.CountSuccesses {
		return true
	}
	if success {
		return r.CountSuccesses
	}
	return r.CountFailures
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RuleID     string        `json:"rule_id,omitempty"`
	Remaining  int           `json:"remaining"` // -1 when no rule matched
	ResetAt    time.Time     `json:"reset_at,omitzero"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

type counter struct {
	count   int
	resetAt time.Time
}

const numShards = 32

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// Limiter holds rules and per-(rule, subject) fixed-window counters.
type Limiter struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string // rule ids in configuration order, for Match precedence

	shards [numShards]shard
}

// NewLimiter creates a limiter with the given rules. Every rule is
// validated; an invalid rule fails construction.
func NewLimiter(rules []Rule) (*Limiter, error) {
	l := &Limiter{rules: make(map[string]Rule, len(rules))}
	for i := range l.shards {
		l.shards[i].counters = make(map[string]*counter)
	}
	for _, r := range rules {
		if err := validation.ValidateStruct(&r); err != nil {
			return nil, fmt.Errorf("rate limit rule %q: %w", r.ID, err)
		}
		if _, dup := l.rules[r.ID]; dup {
			return nil, fmt.Errorf("rate limit rule %q: duplicate id", r.ID)
		}
		l.rules[r.ID] = r
		l.order = append(l.order, r.ID)
	}
	return l, nil
}

// Match returns the first configured rule covering the method and path.
func (l *Limiter) Match(method, path string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.order {
		r := l.rules[id]
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return Rule{}, false
}

// Check applies the fixed-window algorithm for (ruleID, subject) at now.
// A missing rule id means no rule matched the request: always allowed.
// The counter is never incremented past MaxRequests; a denied check leaves
// the window untouched and reports when it resets.
func (l *Limiter) Check(ruleID, subject string, now time.Time) Decision {
	l.mu.RLock()
	rule, ok := l.rules[ruleID]
	l.mu.RUnlock()
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}

	key := ruleID + "\x00" + subject
	sh := &l.shards[shardIndex(key)]

	sh.mu.Lock()
	c, exists := sh.counters[key]
	switch {
	case !exists || now.After(c.resetAt):
		c = &counter{count: 1, resetAt: now.Add(rule.Window)}
		sh.counters[key] = c
	case c.count < rule.MaxRequests:
		c.count++
	default:
		resetAt := c.resetAt
		sh.mu.Unlock()
		metrics.RateLimitDecisions.WithLabelValues(ruleID, "denied").Inc()
		return Decision{
			Allowed:    false,
			RuleID:     ruleID,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	dec := Decision{
		Allowed:   true,
		RuleID:    ruleID,
		Remaining: rule.MaxRequests - c.count,
		ResetAt:   c.resetAt,
	}
	sh.mu.Unlock()

	metrics.RateLimitDecisions.WithLabelValues(ruleID, "allowed").Inc()
	return dec
}

// Rules lists the configured rules in configuration order.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rule, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.rules[id])
	}
	return out
}

// UpdateRule replaces an existing rule. Stale counters for the rule are left
// to expire lazily under the old window.
func (l *Limiter) UpdateRule(r Rule) error {
	if err := validation.ValidateStruct(&r); err != nil {
		return fmt.Errorf("rate limit rule %q: %w", r.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[r.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRule, r.ID)
	}
	l.rules[r.ID] = r
	return nil
}

// AddRule appends a new rule after the existing ones.
func (l *Limiter) AddRule(r Rule) error {
	if err := validation.ValidateStruct(&r); err != nil {
		return fmt.Errorf("rate limit rule %q: %w", r.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.rules[r.ID]; dup {
		return fmt.Errorf("rate limit rule %q: duplicate id", r.ID)
	}
	l.rules[r.ID] = r
	l.order = append(l.order, r.ID)
	return nil
}

// Sweep removes counters whose window has passed. Returns the number
// reclaimed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, c := range sh.counters {
			if now.After(c.resetAt) {
				delete(sh.counters, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		metrics.SweepReclaimed.WithLabelValues("counter").Add(float64(removed))
	}
	return removed
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

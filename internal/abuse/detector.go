// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package abuse matches request frequency patterns and produces escalation
// actions. The detector never enforces: it reports the triggered patterns
// and their configured actions, and the caller decides what to do.
package abuse

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/metrics"
	"github.com/castellanhq/castellan/internal/validation"
)

// ErrUnknownPattern is returned when an admin update names a pattern id that
// does not exist.
var ErrUnknownPattern = errors.New("abuse pattern not found")

// ErrKindNotImplemented is returned when an enabled pattern uses a detection
// kind that has no evaluator.
var ErrKindNotImplemented = errors.New("detection kind not implemented")

// Kind identifies the detection strategy of a pattern. Only KindFrequency
// has an evaluator; the remaining kinds are declared for configuration
// compatibility and are rejected when enabled.
type Kind string

const (
	KindFrequency  Kind = "frequency"
	KindPattern    Kind = "pattern"
	KindAnomaly    Kind = "anomaly"
	KindReputation Kind = "reputation"
)

// Action is the escalation step a triggered pattern asks the caller to take.
type Action string

const (
	ActionLog       Action = "log"
	ActionWarn      Action = "warn"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Pattern is an abuse detection configuration entry.
type Pattern struct {
	ID        string         `koanf:"id" json:"id" validate:"required"`
	Name      string         `koanf:"name" json:"name"`
	Kind      Kind           `koanf:"kind" json:"kind" validate:"oneof=frequency pattern anomaly reputation"`
	Threshold int            `koanf:"threshold" json:"threshold" validate:"gt=0"`
	Window    time.Duration  `koanf:"window" json:"window" validate:"gt=0"`
	Severity  event.Severity `koanf:"severity" json:"severity" validate:"oneof=low medium high critical"`
	Action    Action         `koanf:"action" json:"action" validate:"oneof=log warn challenge block"`
	Enabled   bool           `koanf:"enabled" json:"enabled"`
}

// Triggered reports a pattern that fired for the current request.
type Triggered struct {
	Pattern Pattern `json:"pattern"`
	Action  Action  `json:"action"`
	Count   int     `json:"count"`
}

// Recorder is the slice of the event store the detector needs.
type Recorder interface {
	Log(rec event.Record, now time.Time) event.SecurityEvent
}

type patternCounter struct {
	count       int
	windowStart time.Time
}

// Detector evaluates frequency patterns against per-(pattern, source, user)
// counters with lazy window reset.
type Detector struct {
	recorder Recorder

	mu       sync.RWMutex
	patterns map[string]Pattern
	order    []string
	counters map[string]*patternCounter
}

// NewDetector creates a detector with the given patterns. Enabled patterns
// of a kind without an evaluator fail construction instead of silently never
// firing.
func NewDetector(recorder Recorder, patterns []Pattern) (*Detector, error) {
	d := &Detector{
		recorder: recorder,
		patterns: make(map[string]Pattern, len(patterns)),
		counters: make(map[string]*patternCounter),
	}
	for _, p := range patterns {
		if err := checkPattern(p); err != nil {
			return nil, err
		}
		if _, dup := d.patterns[p.ID]; dup {
			return nil, fmt.Errorf("abuse pattern %q: duplicate id", p.ID)
		}
		d.patterns[p.ID] = p
		d.order = append(d.order, p.ID)
	}
	return d, nil
}

func checkPattern(p Pattern) error {
	if err := validation.ValidateStruct(&p); err != nil {
		return fmt.Errorf("abuse pattern %q: %w", p.ID, err)
	}
	if p.Enabled && p.Kind != KindFrequency {
		return fmt.Errorf("abuse pattern %q: kind %q: %w", p.ID, p.Kind, ErrKindNotImplemented)
	}
	return nil
}

// Detect evaluates every enabled pattern for one request from the source.
// A pattern fires when its counter strictly exceeds the threshold inside the
// window; each firing emits one suspicious_request event. Context entries are
// carried into the event details.
func (d *Detector) Detect(source, userID string, context map[string]string, now time.Time) []Triggered {
	subject := userID
	if subject == "" {
		subject = "anonymous"
	}

	d.mu.Lock()
	var fired []Triggered
	for _, id := range d.order {
		p := d.patterns[id]
		if !p.Enabled || p.Kind != KindFrequency {
			continue
		}

		key := p.ID + "\x00" + source + "\x00" + subject
		c, ok := d.counters[key]
		if !ok || now.Sub(c.windowStart) > p.Window {
			c = &patternCounter{count: 1, windowStart: now}
			d.counters[key] = c
		} else {
			c.count++
		}

		if c.count > p.Threshold {
			fired = append(fired, Triggered{Pattern: p, Action: p.Action, Count: c.count})
		}
	}
	d.mu.Unlock()

	for _, tr := range fired {
		details := map[string]string{
			"pattern_id": tr.Pattern.ID,
			"pattern":    tr.Pattern.Name,
			"count":      strconv.Itoa(tr.Count),
			"threshold":  strconv.Itoa(tr.Pattern.Threshold),
			"action":     string(tr.Action),
		}
		for k, v := range context {
			details[k] = v
		}
		d.recorder.Log(event.Record{
			Type:     event.TypeSuspiciousRequest,
			Severity: tr.Pattern.Severity,
			Source:   source,
			UserID:   userID,
			Details:  details,
		}, now)
		metrics.PatternsTriggered.WithLabelValues(tr.Pattern.ID, string(tr.Action)).Inc()
	}

	return fired
}

// Patterns lists the configured patterns in configuration order.
func (d *Detector) Patterns() []Pattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Pattern, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.patterns[id])
	}
	return out
}

// UpdatePattern replaces an existing pattern. Its live counters keep their
// current windows and are re-evaluated against the new thresholds.
func (d *Detector) UpdatePattern(p Pattern) error {
	if err := checkPattern(p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.patterns[p.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPattern, p.ID)
	}
	d.patterns[p.ID] = p
	return nil
}

// AddPattern appends a new pattern after the existing ones.
func (d *Detector) AddPattern(p Pattern) error {
	if err := checkPattern(p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.patterns[p.ID]; dup {
		return fmt.Errorf("abuse pattern %q: duplicate id", p.ID)
	}
	d.patterns[p.ID] = p
	d.order = append(d.order, p.ID)
	return nil
}

// Sweep removes counters whose window has fully elapsed. Returns the number
// reclaimed.
func (d *Detector) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, c := range d.counters {
		id, _, ok := splitKey(key)
		if !ok {
			delete(d.counters, key)
			removed++
			continue
		}
		p, exists := d.patterns[id]
		if !exists || now.Sub(c.windowStart) > p.Window {
			delete(d.counters, key)
			removed++
		}
	}
	if removed > 0 {
		metrics.SweepReclaimed.WithLabelValues("pattern").Add(float64(removed))
	}
	return removed
}

func splitKey(key string) (patternID, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

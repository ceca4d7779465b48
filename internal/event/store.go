// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/internal/logging"
	"github.com/castellanhq/castellan/internal/metrics"
)

// Config holds event store tuning.
type Config struct {
	// MaxEvents caps the in-memory event sequence; the oldest events are
	// dropped once the cap is exceeded.
	MaxEvents int `koanf:"max_events" validate:"gt=0"`

	// Retention is the age past which the sweeper prunes events.
	Retention time.Duration `koanf:"retention" validate:"gt=0"`

	// SuspicionWindow and SuspicionThreshold drive IsSuspiciousSource: a
	// source is suspicious once it produced more than the threshold number
	// of events inside the window.
	SuspicionWindow    time.Duration `koanf:"suspicion_window" validate:"gt=0"`
	SuspicionThreshold int           `koanf:"suspicion_threshold" validate:"gt=0"`

	// FailureWindow and FailureThreshold drive the repeated-login-failure
	// correlation rule.
	FailureWindow    time.Duration `koanf:"failure_window" validate:"gt=0"`
	FailureThreshold int           `koanf:"failure_threshold" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEvents:          100_000,
		Retention:          72 * time.Hour,
		SuspicionWindow:    time.Hour,
		SuspicionThreshold: 10,
		FailureWindow:      15 * time.Minute,
		FailureThreshold:   3,
	}
}

// Store is the append-only security event log plus the synchronous alert
// correlator. All components emit through Log; callers observe through
// Events, Alerts, Metrics, and registered sinks.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	events  []*SecurityEvent
	alerts  []*Alert
	alertIx map[string]*Alert
	eventIx map[string]*SecurityEvent
	sources map[string]*slidingWindow

	sinkMu sync.RWMutex
	sinks  []Sink
}

// NewStore creates an event store with the given configuration.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SuspicionWindow <= 0 {
		cfg.SuspicionWindow = def.SuspicionWindow
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = def.SuspicionThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	return &Store{
		cfg:     cfg,
		alertIx: make(map[string]*Alert),
		eventIx: make(map[string]*SecurityEvent),
		sources: make(map[string]*slidingWindow),
	}
}

// Record carries the caller-supplied fields of an event to Log.
type Record struct {
	Type      Type
	Severity  Severity
	Source    string
	UserID    string
	UserAgent string
	Details   map[string]string
}

// Log appends a security event, updates the per-source rolling counter,
// notifies sinks, and runs the correlation rules synchronously. It returns
// a copy of the stored event.
func (s *Store) Log(rec Record, now time.Time) SecurityEvent {
	details := make(map[string]string, len(rec.Details))
	for k, v := range rec.Details {
		details[k] = v
	}

	evt := &SecurityEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      rec.Type,
		Severity:  rec.Severity,
		UserID:    rec.UserID,
		Source:    rec.Source,
		UserAgent: rec.UserAgent,
		Details:   details,
	}

	s.mu.Lock()
	s.events = append(s.events, evt)
	s.eventIx[evt.ID] = evt
	if len(s.events) > s.cfg.MaxEvents {
		s.dropOldestLocked(len(s.events) - s.cfg.MaxEvents)
	}

	win, ok := s.sources[evt.Source]
	if !ok {
		win = newSlidingWindow(s.cfg.SuspicionWindow, 12, now)
		s.sources[evt.Source] = win
	}
	win.Increment(now)

	raised := s.correlateLocked(evt, now)
	s.mu.Unlock()

	metrics.EventsLogged.WithLabelValues(string(evt.Type), string(evt.Severity)).Inc()
	for _, a := range raised {
		metrics.AlertsRaised.WithLabelValues(string(a.Correlation), string(a.Severity)).Inc()
		logging.Warn().
			Str("alert_id", a.ID).
			Str("correlation", string(a.Correlation)).
			Str("severity", string(a.Severity)).
			Int("events", len(a.EventIDs)).
			Msg("alert raised")
	}

	s.notify(copyEvent(evt))
	return copyEvent(evt)
}

// copyEvent detaches the Details map so callers and sinks cannot mutate the
// stored event through the copy.
func copyEvent(evt *SecurityEvent) SecurityEvent {
	cp := *evt
	if evt.Details != nil {
		cp.Details = make(map[string]string, len(evt.Details))
		for k, v := range evt.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// dropOldestLocked removes the n oldest events. Caller holds the write lock.
func (s *Store) dropOldestLocked(n int) {
	if n <= 0 {
		return
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	for _, old := range s.events[:n] {
		delete(s.eventIx, old.ID)
	}
	s.events = append(s.events[:0], s.events[n:]...)
}

// IsSuspiciousSource reports whether the source produced more events than
// the suspicion threshold inside the rolling window.
func (s *Store) IsSuspiciousSource(source string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.sources[source]
	if !ok {
		return false
	}
	return win.Count(now) > int64(s.cfg.SuspicionThreshold)
}

// Events returns a time-descending view of stored events matching the filter.
func (s *Store) Events(f Filter) []SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SecurityEvent
	skipped := 0
	// events are appended in time order; walk backwards for descending output
	for i := len(s.events) - 1; i >= 0; i-- {
		evt := s.events[i]
		if !matches(evt, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, copyEvent(evt))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(evt *SecurityEvent, f Filter) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if evt.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && !evt.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Source != "" && evt.Source != f.Source {
		return false
	}
	if f.UserID != "" && evt.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && evt.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && evt.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Resolve marks an event resolved. Resolution fields are the only mutation
// permitted after creation. A second resolution is a no-op returning false.
func (s *Store) Resolve(eventID, by string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.eventIx[eventID]
	if !ok {
		return false, ErrEventNotFound
	}
	if evt.Resolved {
		return false, nil
	}
	at := now
	evt.Resolved = true
	evt.ResolvedBy = by
	evt.ResolvedAt = &at
	return true, nil
}

// Alerts returns a time-descending view of alerts matching the filter.
func (s *Store) Alerts(f AlertFilter) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alert
	skipped := 0
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.Correlation != "" && a.Correlation != f.Correlation {
			continue
		}
		if f.MinSeverity != "" && !a.Severity.AtLeast(f.MinSeverity) {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, copyAlert(a))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func copyAlert(a *Alert) Alert {
	cp := *a
	cp.EventIDs = append([]string(nil), a.EventIDs...)
	return cp
}

// Acknowledge marks an alert acknowledged. Acknowledging an already
// acknowledged alert returns false with no side effects.
func (s *Store) Acknowledge(alertID, by string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alertIx[alertID]
	if !ok {
		return false, ErrAlertNotFound
	}
	if a.Acknowledged {
		return false, nil
	}
	at := now
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &at
	return true, nil
}

// Metrics aggregates stored events inside [from, to]. Zero bounds are open.
func (s *Store) Metrics(from, to time.Time) MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := MetricsSnapshot{
		ByType:     make(map[Type]int),
		BySeverity: make(map[Severity]int),
	}
	bySource := make(map[string]int)

	for _, evt := range s.events {
		if !from.IsZero() && evt.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && evt.Timestamp.After(to) {
			continue
		}
		snap.Total++
		snap.ByType[evt.Type]++
		snap.BySeverity[evt.Severity]++
		bySource[evt.Source]++
	}

	snap.TopTypes = topTypes(snap.ByType, 5)
	snap.TopSources = topSources(bySource, 10)
	return snap
}

func topTypes(counts map[Type]int, n int) []TypeCount {
	out := make([]TypeCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TypeCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topSources(counts map[string]int, n int) []SourceCount {
	out := make([]SourceCount, 0, len(counts))
	for src, c := range counts {
		out = append(out, SourceCount{Source: src, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Sweep prunes events older than the retention horizon and drops idle
// per-source counters. It returns the number of entries reclaimed.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	stale := 0
	for stale < len(s.events) && s.events[stale].Timestamp.Before(cutoff) {
		stale++
	}
	s.dropOldestLocked(stale)

	removed := stale
	for src, win := range s.sources {
		if win.Idle(now) {
			delete(s.sources, src)
			removed++
		}
	}

	if stale > 0 {
		metrics.SweepReclaimed.WithLabelValues("event").Add(float64(stale))
	}
	return removed
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

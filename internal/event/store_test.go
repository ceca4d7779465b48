// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLog_AppendsAndIndexes(t *testing.T) {
	s := NewStore(DefaultConfig())

	evt := s.Log(Record{
		Type:     TypeLoginFailure,
		Severity: SeverityLow,
		Source:   "203.0.113.7",
		UserID:   "u1",
		Details:  map[string]string{"path": "/login"},
	}, t0)

	if evt.ID == "" {
		t.Fatal("expected generated event id")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	got := s.Events(Filter{})
	if len(got) != 1 || got[0].ID != evt.ID {
		t.Fatalf("Events() = %+v, want the logged event", got)
	}
	if got[0].Details["path"] != "/login" {
		t.Errorf("details not carried: %+v", got[0].Details)
	}
}

func TestLog_CopiesAreDetached(t *testing.T) {
	s := NewStore(DefaultConfig())

	evt := s.Log(Record{
		Type:     TypeLoginFailure,
		Severity: SeverityLow,
		Source:   "203.0.113.7",
		Details:  map[string]string{"path": "/login"},
	}, t0)

	// mutations through returned copies must not reach the stored event
	evt.Details["path"] = "tampered"

	got := s.Events(Filter{})
	if got[0].Details["path"] != "/login" {
		t.Fatalf("stored details mutated through Log copy: %+v", got[0].Details)
	}

	got[0].Details["path"] = "tampered again"
	if s.Events(Filter{})[0].Details["path"] != "/login" {
		t.Fatal("stored details mutated through Events copy")
	}
}

func TestLog_CapsEventSequence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEvents = 5
	s := NewStore(cfg)

	for i := 0; i < 8; i++ {
		s.Log(Record{
			Type:     TypeLoginSuccess,
			Severity: SeverityLow,
			Source:   fmt.Sprintf("10.0.0.%d", i),
		}, t0.Add(time.Duration(i)*time.Second))
	}

	if s.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", s.Len())
	}
	got := s.Events(Filter{})
	if got[0].Source != "10.0.0.7" {
		t.Errorf("newest event first, got %s", got[0].Source)
	}
	if got[len(got)-1].Source != "10.0.0.3" {
		t.Errorf("oldest surviving event should be 10.0.0.3, got %s", got[len(got)-1].Source)
	}
}

func TestEvents_Filters(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "a", UserID: "u1"}, t0)
	s.Log(Record{Type: TypeSpamDetected, Severity: SeverityMedium, Source: "b", UserID: "u2"}, t0.Add(time.Minute))
	s.Log(Record{Type: TypeEncryptionFailure, Severity: SeverityHigh, Source: "a", UserID: "u1"}, t0.Add(2*time.Minute))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by type", Filter{Types: []Type{TypeSpamDetected}}, 1},
		{"severity floor", Filter{MinSeverity: SeverityMedium}, 2},
		{"by source", Filter{Source: "a"}, 2},
		{"by user", Filter{UserID: "u2"}, 1},
		{"time range", Filter{From: t0.Add(30 * time.Second), To: t0.Add(90 * time.Second)}, 1},
		{"limit", Filter{Limit: 2}, 2},
		{"offset", Filter{Offset: 2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Events(tt.filter)
			if len(got) != tt.want {
				t.Errorf("Events(%+v) returned %d events, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestEvents_TimeDescending(t *testing.T) {
	s := NewStore(DefaultConfig())
	for i := 0; i < 4; i++ {
		s.Log(Record{Type: TypeLoginSuccess, Severity: SeverityLow, Source: "a"},
			t0.Add(time.Duration(i)*time.Minute))
	}

	got := s.Events(Filter{})
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("events not time-descending at index %d", i)
		}
	}
}

func TestIsSuspiciousSource(t *testing.T) {
	s := NewStore(DefaultConfig())

	for i := 0; i < 10; i++ {
		s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.9"},
			t0.Add(time.Duration(i)*time.Second))
	}
	if s.IsSuspiciousSource("203.0.113.9", t0.Add(10*time.Second)) {
		t.Error("10 events within the hour should not yet be suspicious")
	}

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.9"}, t0.Add(11*time.Second))
	if !s.IsSuspiciousSource("203.0.113.9", t0.Add(11*time.Second)) {
		t.Error("11 events within the hour should be suspicious")
	}

	// counts age out of the rolling window
	if s.IsSuspiciousSource("203.0.113.9", t0.Add(2*time.Hour)) {
		t.Error("events older than an hour should not count")
	}

	if s.IsSuspiciousSource("198.51.100.1", t0) {
		t.Error("unknown source should not be suspicious")
	}
}

func TestResolve(t *testing.T) {
	s := NewStore(DefaultConfig())
	evt := s.Log(Record{Type: TypeSpamDetected, Severity: SeverityMedium, Source: "a"}, t0)

	ok, err := s.Resolve(evt.ID, "analyst", t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v, want true, nil", ok, err)
	}

	got := s.Events(Filter{})[0]
	if !got.Resolved || got.ResolvedBy != "analyst" || got.ResolvedAt == nil {
		t.Errorf("resolution fields not set: %+v", got)
	}

	ok, err = s.Resolve(evt.ID, "analyst2", t0.Add(2*time.Minute))
	if err != nil || ok {
		t.Errorf("second Resolve() = %v, %v, want false, nil", ok, err)
	}
	if s.Events(Filter{})[0].ResolvedBy != "analyst" {
		t.Error("second resolution must not overwrite the first")
	}

	if _, err := s.Resolve("missing", "x", t0); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrEventNotFound", err)
	}
}

func TestMetrics(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "a"}, t0)
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "a"}, t0.Add(time.Second))
	s.Log(Record{Type: TypeSpamDetected, Severity: SeverityMedium, Source: "b"}, t0.Add(2*time.Second))

	snap := s.Metrics(time.Time{}, time.Time{})
	if snap.Total != 3 {
		t.Errorf("Total = %d, want 3", snap.Total)
	}
	if snap.ByType[TypeLoginFailure] != 2 {
		t.Errorf("ByType[login_failure] = %d, want 2", snap.ByType[TypeLoginFailure])
	}
	if snap.BySeverity[SeverityMedium] != 1 {
		t.Errorf("BySeverity[medium] = %d, want 1", snap.BySeverity[SeverityMedium])
	}
	if len(snap.TopTypes) == 0 || snap.TopTypes[0].Type != TypeLoginFailure {
		t.Errorf("TopTypes[0] = %+v, want login_failure", snap.TopTypes)
	}
	if len(snap.TopSources) == 0 || snap.TopSources[0].Source != "a" {
		t.Errorf("TopSources[0] = %+v, want a", snap.TopSources)
	}

	// bounded range excludes the later spam event
	bounded := s.Metrics(t0, t0.Add(time.Second))
	if bounded.Total != 2 {
		t.Errorf("bounded Total = %d, want 2", bounded.Total)
	}
}

func TestSweep_PrunesOldEventsAndIdleSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = time.Hour
	s := NewStore(cfg)

	s.Log(Record{Type: TypeLoginSuccess, Severity: SeverityLow, Source: "old"}, t0)
	s.Log(Record{Type: TypeLoginSuccess, Severity: SeverityLow, Source: "new"}, t0.Add(3*time.Hour))

	removed := s.Sweep(t0.Add(3*time.Hour + time.Minute))
	if removed < 2 { // the old event and its idle source window
		t.Errorf("Sweep removed %d entries, want at least 2", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after sweep, want 1", s.Len())
	}
	got := s.Events(Filter{})
	if got[0].Source != "new" {
		t.Errorf("surviving event = %s, want new", got[0].Source)
	}
}

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity must not be valid")
	}
	if !SeverityCritical.AtLeast(SeverityLow) || SeverityLow.AtLeast(SeverityMedium) {
		t.Error("AtLeast comparisons wrong")
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	s := NewStore(DefaultConfig())

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Log(Record{
					Type:     TypeLoginSuccess,
					Severity: SeverityLow,
					Source:   fmt.Sprintf("10.1.0.%d", w),
				}, t0.Add(time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != workers*perWorker {
		t.Errorf("Len() = %d, want %d", s.Len(), workers*perWorker)
	}
}

// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import (
	"errors"
	"testing"
	"time"
)

func TestCorrelator_BruteForceImmediateAlert(t *testing.T) {
	s := NewStore(DefaultConfig())

	evt := s.Log(Record{Type: TypeLoginBruteForce, Severity: SeverityHigh, Source: "203.0.113.1"}, t0)

	alerts := s.Alerts(AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Correlation != CorrelationBruteForce || a.Severity != SeverityHigh {
		t.Errorf("alert = %+v, want high brute_force", a)
	}
	if len(a.EventIDs) != 1 || a.EventIDs[0] != evt.ID {
		t.Errorf("alert should reference exactly the triggering event, got %v", a.EventIDs)
	}
}

func TestCorrelator_RepeatedLoginFailures(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.2"}, t0)
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.2"}, t0.Add(time.Minute))
	if n := len(s.Alerts(AlertFilter{})); n != 0 {
		t.Fatalf("2 failures should not alert, got %d alerts", n)
	}

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.2"}, t0.Add(2*time.Minute))
	alerts := s.Alerts(AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("3rd failure should alert, got %d alerts", len(alerts))
	}
	a := alerts[0]
	if a.Correlation != CorrelationRepeatedLoginFailures || a.Severity != SeverityMedium {
		t.Errorf("alert = %+v, want medium repeated_login_failures", a)
	}
	if len(a.EventIDs) != 3 {
		t.Errorf("alert should link all 3 matching events, got %d", len(a.EventIDs))
	}
}

func TestCorrelator_FailuresOutsideWindowIgnored(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.3"}, t0)
	// 20 minutes later: the first failure fell out of the 15-minute window
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.3"}, t0.Add(20*time.Minute))
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "203.0.113.3"}, t0.Add(21*time.Minute))

	if n := len(s.Alerts(AlertFilter{})); n != 0 {
		t.Errorf("failures spanning beyond the window should not alert, got %d", n)
	}
}

func TestCorrelator_FailuresFromDifferentSourcesIndependent(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "a"}, t0)
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "b"}, t0.Add(time.Second))
	s.Log(Record{Type: TypeLoginFailure, Severity: SeverityLow, Source: "c"}, t0.Add(2*time.Second))

	if n := len(s.Alerts(AlertFilter{})); n != 0 {
		t.Errorf("single failures from distinct sources should not alert, got %d", n)
	}
}

func TestCorrelator_CryptoFailureAlerts(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Log(Record{Type: TypeEncryptionFailure, Severity: SeverityHigh, Source: "10.0.0.1"}, t0)
	s.Log(Record{Type: TypeDecryptionFailure, Severity: SeverityHigh, Source: "10.0.0.1"}, t0.Add(time.Second))

	alerts := s.Alerts(AlertFilter{Correlation: CorrelationCryptoFailure})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 crypto alerts, got %d", len(alerts))
	}
	for _, a := range alerts {
		if a.Severity != SeverityHigh {
			t.Errorf("crypto alert severity = %s, want high", a.Severity)
		}
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Log(Record{Type: TypeLoginBruteForce, Severity: SeverityHigh, Source: "x"}, t0)
	id := s.Alerts(AlertFilter{})[0].ID

	ok, err := s.Acknowledge(id, "operator", t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first Acknowledge = %v, %v, want true, nil", ok, err)
	}

	ok, err = s.Acknowledge(id, "operator2", t0.Add(2*time.Minute))
	if err != nil || ok {
		t.Errorf("second Acknowledge = %v, %v, want false, nil", ok, err)
	}

	a := s.Alerts(AlertFilter{})[0]
	if a.AcknowledgedBy != "operator" {
		t.Errorf("second acknowledge must not overwrite, got %s", a.AcknowledgedBy)
	}

	if _, err := s.Acknowledge("missing", "x", t0); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Acknowledge(unknown) error = %v, want ErrAlertNotFound", err)
	}
}

func TestAlerts_Filtering(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Log(Record{Type: TypeLoginBruteForce, Severity: SeverityHigh, Source: "x"}, t0)
	s.Log(Record{Type: TypeEncryptionFailure, Severity: SeverityHigh, Source: "y"}, t0.Add(time.Second))

	id := s.Alerts(AlertFilter{Correlation: CorrelationBruteForce})[0].ID
	if _, err := s.Acknowledge(id, "op", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	acked := true
	if n := len(s.Alerts(AlertFilter{Acknowledged: &acked})); n != 1 {
		t.Errorf("acknowledged filter returned %d, want 1", n)
	}
	unacked := false
	if n := len(s.Alerts(AlertFilter{Acknowledged: &unacked})); n != 1 {
		t.Errorf("unacknowledged filter returned %d, want 1", n)
	}
}

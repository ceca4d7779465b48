// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package event provides the append-only security event store and the
// alert correlator that synthesizes alerts from recent events.
package event

import (
	"errors"
	"time"
)

// Type categorizes security events. The set is closed: components emit only
// these values and the correlator switches over them exhaustively.
type Type string

const (
	// Authentication events
	TypeLoginSuccess   Type = "login_success"
	TypeLoginFailure   Type = "login_failure"
	TypeLoginBruteForce Type = "login_brute_force"

	// Abuse and traffic events
	TypeRateLimitExceeded  Type = "rate_limit_exceeded"
	TypeSuspiciousRequest  Type = "suspicious_request"
	TypeSpamDetected       Type = "spam_detected"

	// Challenge lifecycle events
	TypeChallengeIssued           Type = "challenge_issued"
	TypeChallengeFailed           Type = "challenge_failed"
	TypeChallengeAttemptsExceeded Type = "challenge_attempts_exceeded"

	// Lockout lifecycle events
	TypeAccountLockout          Type = "account_lockout"
	TypeAccountUnlocked         Type = "account_unlocked"
	TypeUnlockAttemptsExceeded  Type = "unlock_attempts_exceeded"

	// Crypto subsystem events reported by external collaborators
	TypeEncryptionFailure Type = "encryption_failure"
	TypeDecryptionFailure Type = "decryption_failure"

	// Administrative events
	TypeConfigChanged Type = "config_changed"
)

// Types lists every known event type.
func Types() []Type {
	return []Type{
		TypeLoginSuccess, TypeLoginFailure, TypeLoginBruteForce,
		TypeRateLimitExceeded, TypeSuspiciousRequest, TypeSpamDetected,
		TypeChallengeIssued, TypeChallengeFailed, TypeChallengeAttemptsExceeded,
		TypeAccountLockout, TypeAccountUnlocked, TypeUnlockAttemptsExceeded,
		TypeEncryptionFailure, TypeDecryptionFailure,
		TypeConfigChanged,
	}
}

// Severity is the ordinal classification of an event's significance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of the severity in the low < medium < high <
// critical order. Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether the severity is one of the four known levels.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is at least as severe as minimum.
func (s Severity) AtLeast(minimum Severity) bool {
	return s.Rank() >= minimum.Rank()
}

// SecurityEvent is an append-only audit record. Only the resolution fields
// mutate after creation.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"type"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	Source    string            `json:"source"` // source network address
	UserAgent string            `json:"user_agent,omitempty"`
	Details   map[string]string `json:"details,omitempty"`

	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Correlation identifies the rule that produced an alert.
type Correlation string

const (
	CorrelationBruteForce     Correlation = "brute_force"
	CorrelationRepeatedLoginFailures Correlation = "repeated_login_failures"
	CorrelationCryptoFailure  Correlation = "crypto_failure"
)

// Alert is synthesized by the correlator from one or more events. Alerts own
// references to their events; events are unaware of alerts.
type Alert struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Correlation Correlation `json:"correlation"`
	Severity    Severity    `json:"severity"`
	Message     string      `json:"message"`
	EventIDs    []string    `json:"event_ids"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Filter selects events for queries. Zero values match everything.
type Filter struct {
	Types       []Type
	MinSeverity Severity
	Source      string
	UserID      string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// AlertFilter selects alerts for queries.
type AlertFilter struct {
	Correlation  Correlation
	MinSeverity  Severity
	Acknowledged *bool
	Limit        int
	Offset       int
}

// TypeCount pairs an event type with its occurrence count.
type TypeCount struct {
	Type  Type  `json:"type"`
	Count int   `json:"count"`
}

// SourceCount pairs a source address with its event count.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// MetricsSnapshot aggregates the stored events over a time range.
type MetricsSnapshot struct {
	Total      int              `json:"total"`
	ByType     map[Type]int     `json:"by_type"`
	BySeverity map[Severity]int `json:"by_severity"`
	TopTypes   []TypeCount      `json:"top_types"`   // up to 5
	TopSources []SourceCount    `json:"top_sources"` // up to 10
}

var (
	// ErrAlertNotFound is returned when an alert id is unknown.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrEventNotFound is returned when an event id is unknown.
	ErrEventNotFound = errors.New("event not found")
)

// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// correlateLocked evaluates the correlation rules against the event that was
// just appended and raises alerts. Caller holds the write lock.
//
// Rules:
//   - login_brute_force raises an immediate high alert for that one event.
//   - FailureThreshold or more login_failure events from the same source
//     inside FailureWindow raise a medium alert linking all matching events.
//   - encryption_failure and decryption_failure raise a high alert.
func (s *Store) correlateLocked(evt *SecurityEvent, now time.Time) []*Alert {
	var raised []*Alert

	switch evt.Type {
	case TypeLoginBruteForce:
		raised = append(raised, s.raiseLocked(
			CorrelationBruteForce,
			SeverityHigh,
			fmt.Sprintf("brute force login detected from %s", evt.Source),
			[]string{evt.ID},
			now,
		))

	case TypeLoginFailure:
		matched := s.recentFailuresLocked(evt.Source, now)
		if len(matched) >= s.cfg.FailureThreshold {
			raised = append(raised, s.raiseLocked(
				CorrelationRepeatedLoginFailures,
				SeverityMedium,
				fmt.Sprintf("%d failed logins from %s within %s",
					len(matched), evt.Source, s.cfg.FailureWindow),
				matched,
				now,
			))
		}

	case TypeEncryptionFailure, TypeDecryptionFailure:
		raised = append(raised, s.raiseLocked(
			CorrelationCryptoFailure,
			SeverityHigh,
			fmt.Sprintf("cryptographic operation failed (%s) from %s", evt.Type, evt.Source),
			[]string{evt.ID},
			now,
		))

	case TypeLoginSuccess, TypeRateLimitExceeded, TypeSuspiciousRequest,
		TypeSpamDetected, TypeChallengeIssued, TypeChallengeFailed,
		TypeChallengeAttemptsExceeded, TypeAccountLockout, TypeAccountUnlocked,
		TypeUnlockAttemptsExceeded, TypeConfigChanged:
		// no correlation rule for these types
	}

	return raised
}

// recentFailuresLocked collects ids of login_failure events from source
// inside the failure window, newest last. Caller holds the lock.
func (s *Store) recentFailuresLocked(source string, now time.Time) []string {
	cutoff := now.Add(-s.cfg.FailureWindow)

	var ids []string
	for i := len(s.events) - 1; i >= 0; i-- {
		evt := s.events[i]
		if evt.Timestamp.Before(cutoff) {
			break
		}
		if evt.Type == TypeLoginFailure && evt.Source == source {
			ids = append(ids, evt.ID)
		}
	}

	// reverse to oldest-first for stable alert references
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// raiseLocked appends a new alert. Caller holds the write lock.
func (s *Store) raiseLocked(c Correlation, sev Severity, msg string, eventIDs []string, now time.Time) *Alert {
	a := &Alert{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Correlation: c,
		Severity:    sev,
		Message:     msg,
		EventIDs:    eventIDs,
	}
	s.alerts = append(s.alerts, a)
	s.alertIx[a.ID] = a
	return a
}

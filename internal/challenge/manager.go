// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package challenge issues and verifies short-lived arithmetic puzzles used
// to distinguish automated clients from humans. A challenge is removed the
// instant it is solved, expires, or exceeds its attempt cap.
package challenge

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/metrics"
)

// Config holds challenge tuning.
type Config struct {
	// TTL is how long an issued challenge stays valid.
	TTL time.Duration `koanf:"ttl" validate:"gt=0"`

	// MaxAttempts is the number of wrong answers tolerated before the
	// challenge is invalidated.
	MaxAttempts int `koanf:"max_attempts" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, MaxAttempts: 3}
}

// Challenge is the caller-visible portion of an issued puzzle.
type Challenge struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Info describes an active challenge for the admin surface. The solution is
// never exposed.
type Info struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Source    string    `json:"source"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Recorder is the slice of the event store the manager needs.
type Recorder interface {
	Log(rec event.Record, now time.Time) event.SecurityEvent
}

type record struct {
	userID    string
	source    string
	prompt    string
	solution  string
	createdAt time.Time
	expiresAt time.Time
	attempts  int
}

// Manager owns the in-memory challenge table.
type Manager struct {
	cfg      Config
	recorder Recorder

	mu         sync.Mutex
	challenges map[string]*record
}

// NewManager creates a challenge manager.
func NewManager(recorder Recorder, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Manager{
		cfg:        cfg,
		recorder:   recorder,
		challenges: make(map[string]*record),
	}
}

// Issue creates a new arithmetic challenge for the subject. Operands are
// ordered so subtraction never yields a negative solution.
func (m *Manager) Issue(userID, source string, now time.Time) Challenge {
	a, b := rand.IntN(9)+1, rand.IntN(9)+1

	var op string
	var solution int
	switch rand.IntN(3) {
	case 0:
		op = "+"
		solution = a + b
	case 1:
		if a < b {
			a, b = b, a
		}
		op = "-"
		solution = a - b
	default:
		op = "*"
		solution = a * b
	}

	rec := &record{
		userID:    userID,
		source:    source,
		prompt:    fmt.Sprintf("What is %d %s %d?", a, op, b),
		solution:  strconv.Itoa(solution),
		createdAt: now,
		expiresAt: now.Add(m.cfg.TTL),
	}
	id := uuid.NewString()

	m.mu.Lock()
	m.challenges[id] = rec
	m.mu.Unlock()

	m.recorder.Log(event.Record{
		Type:     event.TypeChallengeIssued,
		Severity: event.SeverityLow,
		Source:   source,
		UserID:   userID,
	}, now)
	metrics.ChallengesIssued.Inc()

	return Challenge{ID: id, Prompt: rec.prompt}
}

// Verify checks a provided solution. Outcomes:
//   - unknown id: false, no state change
//   - expired: challenge deleted, false
//   - attempt cap already exceeded: challenge deleted, event emitted, false
//   - wrong answer: one attempt consumed, challenge kept, false
//   - right answer: challenge deleted, true
func (m *Manager) Verify(id, solution string, now time.Time) bool {
	m.mu.Lock()
	rec, ok := m.challenges[id]
	if !ok {
		m.mu.Unlock()
		metrics.ChallengeVerifications.WithLabelValues("unknown").Inc()
		return false
	}

	if now.After(rec.expiresAt) {
		delete(m.challenges, id)
		m.mu.Unlock()
		metrics.ChallengeVerifications.WithLabelValues("expired").Inc()
		return false
	}

	if rec.attempts > m.cfg.MaxAttempts {
		delete(m.challenges, id)
		m.mu.Unlock()
		m.recorder.Log(event.Record{
			Type:     event.TypeChallengeAttemptsExceeded,
			Severity: event.SeverityMedium,
			Source:   rec.source,
			UserID:   rec.userID,
			Details:  map[string]string{"challenge_id": id},
		}, now)
		metrics.ChallengeVerifications.WithLabelValues("exceeded").Inc()
		return false
	}

	rec.attempts++
	if strings.TrimSpace(solution) == rec.solution {
		delete(m.challenges, id)
		m.mu.Unlock()
		metrics.ChallengeVerifications.WithLabelValues("solved").Inc()
		return true
	}
	source, userID := rec.source, rec.userID
	m.mu.Unlock()

	m.recorder.Log(event.Record{
		Type:     event.TypeChallengeFailed,
		Severity: event.SeverityLow,
		Source:   source,
		UserID:   userID,
		Details:  map[string]string{"challenge_id": id},
	}, now)
	metrics.ChallengeVerifications.WithLabelValues("mismatch").Inc()
	return false
}

// Active lists challenges that have not yet expired, for the admin surface.
func (m *Manager) Active(now time.Time) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.challenges))
	for id, rec := range m.challenges {
		if now.After(rec.expiresAt) {
			continue
		}
		out = append(out, Info{
			ID:        id,
			UserID:    rec.userID,
			Source:    rec.source,
			Prompt:    rec.prompt,
			CreatedAt: rec.createdAt,
			ExpiresAt: rec.expiresAt,
			Attempts:  rec.attempts,
		})
	}
	return out
}

// Sweep removes expired challenges that were never revisited. Returns the
// number reclaimed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.challenges {
		if now.After(rec.expiresAt) {
			delete(m.challenges, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SweepReclaimed.WithLabelValues("challenge").Add(float64(removed))
	}
	return removed
}

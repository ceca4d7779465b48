// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package lockout manages temporary account lockouts with operator unlock
// codes. The plaintext code exists only for the duration of delivery; the
// manager stores a bcrypt hash and compares against that on unlock.
package lockout

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/metrics"
)

// Config holds lockout tuning.
type Config struct {
	// Duration is the initial lockout period.
	Duration time.Duration `koanf:"duration" validate:"gt=0"`

	// MaxUnlockAttempts is the number of wrong unlock codes tolerated
	// before the lockout is extended.
	MaxUnlockAttempts int `koanf:"max_unlock_attempts" validate:"gt=0"`

	// ExtendBy is how far past now the lockout is pushed when the unlock
	// attempt cap is reached.
	ExtendBy time.Duration `koanf:"extend_by" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Duration:          30 * time.Minute,
		MaxUnlockAttempts: 3,
		ExtendBy:          24 * time.Hour,
	}
}

// CodeDelivery hands the plaintext unlock code to an out-of-band channel
// (operator console, email, support tooling). The manager never returns the
// plaintext to the caller that triggered the lockout.
type CodeDelivery func(userID, code string)

// Info describes an active lockout for the admin surface.
type Info struct {
	UserID         string    `json:"user_id"`
	Reason         string    `json:"reason"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UnlockAttempts int       `json:"unlock_attempts"`
}

// Recorder is the slice of the event store the manager needs.
type Recorder interface {
	Log(rec event.Record, now time.Time) event.SecurityEvent
}

type lockout struct {
	reason    string
	source    string
	codeHash  []byte
	createdAt time.Time
	expiresAt time.Time
	attempts  int
	active    bool
}

// Manager owns the in-memory lockout table.
type Manager struct {
	cfg      Config
	recorder Recorder
	deliver  CodeDelivery

	mu       sync.Mutex
	lockouts map[string]*lockout
}

// NewManager creates a lockout manager. deliver may be nil, in which case
// generated codes are unrecoverable and lockouts expire naturally.
func NewManager(recorder Recorder, deliver CodeDelivery, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.MaxUnlockAttempts <= 0 {
		cfg.MaxUnlockAttempts = def.MaxUnlockAttempts
	}
	if cfg.ExtendBy <= 0 {
		cfg.ExtendBy = def.ExtendBy
	}
	return &Manager{
		cfg:      cfg,
		recorder: recorder,
		deliver:  deliver,
		lockouts: make(map[string]*lockout),
	}
}

const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

func newUnlockCode() (string, error) {
	return readUnlockCode(rand.Reader)
}

// readUnlockCode draws codeLength characters from the alphabet. Bytes at or
// above the largest multiple of the alphabet size are rejected so every
// character is equally likely.
func readUnlockCode(r io.Reader) (string, error) {
	limit := byte(256 - 256%len(codeAlphabet))
	out := make([]byte, 0, codeLength)
	buf := make([]byte, 2*codeLength)
	for len(out) < codeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("generating unlock code: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Lock places or replaces a lockout for the user. A fresh unlock code is
// generated, hashed, and handed to the delivery channel.
func (m *Manager) Lock(userID, reason, source string, now time.Time) error {
	code, err := newUnlockCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing unlock code: %w", err)
	}

	m.mu.Lock()
	prev, existed := m.lockouts[userID]
	wasActive := existed && prev.active && now.Before(prev.expiresAt)
	m.lockouts[userID] = &lockout{
		reason:    reason,
		source:    source,
		codeHash:  hash,
		createdAt: now,
		expiresAt: now.Add(m.cfg.Duration),
		active:    true,
	}
	m.mu.Unlock()

	if !wasActive {
		metrics.ActiveLockouts.Inc()
	}
	m.recorder.Log(event.Record{
		Type:     event.TypeAccountLockout,
		Severity: event.SeverityHigh,
		Source:   source,
		UserID:   userID,
		Details: map[string]string{
			"reason":     reason,
			"expires_at": now.Add(m.cfg.Duration).Format(time.RFC3339),
		},
	}, now)

	if m.deliver != nil {
		m.deliver(userID, code)
	}
	return nil
}

// IsLocked reports whether the user is under an active lockout at now.
// Expired lockouts are retired lazily.
func (m *Manager) IsLocked(userID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.lockouts[userID]
	if !ok || !lk.active {
		return false
	}
	if !now.Before(lk.expiresAt) {
		lk.active = false
		metrics.ActiveLockouts.Dec()
		return false
	}
	return true
}

// Unlock attempts to clear an active lockout with the delivered code. Every
// call against an active lockout consumes one attempt; reaching the attempt
// cap extends the lockout instead of clearing it.
func (m *Manager) Unlock(userID, code string, now time.Time) bool {
	m.mu.Lock()
	lk, ok := m.lockouts[userID]
	if !ok || !lk.active || !now.Before(lk.expiresAt) {
		m.mu.Unlock()
		return false
	}

	lk.attempts++
	if bcrypt.CompareHashAndPassword(lk.codeHash, []byte(code)) == nil {
		lk.active = false
		source := lk.source
		m.mu.Unlock()

		metrics.ActiveLockouts.Dec()
		m.recorder.Log(event.Record{
			Type:     event.TypeAccountUnlocked,
			Severity: event.SeverityLow,
			Source:   source,
			UserID:   userID,
		}, now)
		return true
	}

	attempts := lk.attempts
	source := lk.source
	extended := attempts >= m.cfg.MaxUnlockAttempts
	if extended {
		lk.expiresAt = now.Add(m.cfg.ExtendBy)
		lk.attempts = 0
	}
	m.mu.Unlock()

	if extended {
		m.recorder.Log(event.Record{
			Type:     event.TypeUnlockAttemptsExceeded,
			Severity: event.SeverityHigh,
			Source:   source,
			UserID:   userID,
			Details: map[string]string{
				"attempts":   strconv.Itoa(attempts),
				"expires_at": now.Add(m.cfg.ExtendBy).Format(time.RFC3339),
			},
		}, now)
	}
	return false
}

// Active lists lockouts still in force at now, for the admin surface.
func (m *Manager) Active(now time.Time) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.lockouts))
	for userID, lk := range m.lockouts {
		if !lk.active || !now.Before(lk.expiresAt) {
			continue
		}
		out = append(out, Info{
			UserID:         userID,
			Reason:         lk.reason,
			Source:         lk.source,
			CreatedAt:      lk.createdAt,
			ExpiresAt:      lk.expiresAt,
			UnlockAttempts: lk.attempts,
		})
	}
	return out
}

// Sweep removes retired and expired lockout records. Returns the number
// reclaimed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, lk := range m.lockouts {
		if lk.active && now.Before(lk.expiresAt) {
			continue
		}
		if lk.active {
			// expired but never observed by IsLocked
			metrics.ActiveLockouts.Dec()
		}
		delete(m.lockouts, userID)
		removed++
	}
	if removed > 0 {
		metrics.SweepReclaimed.WithLabelValues("lockout").Add(float64(removed))
	}
	return removed
}

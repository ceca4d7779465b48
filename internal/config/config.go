// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package config loads and validates Castellan's layered configuration.
// Precedence is environment variables over the config file over built-in
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/castellanhq/castellan/internal/abuse"
	"github.com/castellanhq/castellan/internal/challenge"
	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/lockout"
	"github.com/castellanhq/castellan/internal/ratelimit"
	"github.com/castellanhq/castellan/internal/snapshot"
	"github.com/castellanhq/castellan/internal/spam"
	"github.com/castellanhq/castellan/internal/validation"
)

// Config is the root configuration tree.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Events     event.Config     `koanf:"events"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Abuse      AbuseConfig      `koanf:"abuse"`
	Challenge  challenge.Config `koanf:"challenge"`
	Lockout    lockout.Config   `koanf:"lockout"`
	Spam       spam.Config      `koanf:"spam"`
	Reputation ReputationConfig `koanf:"reputation"`
	Snapshot   snapshot.Config  `koanf:"snapshot"`
	Sweep      SweepConfig      `koanf:"sweep"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds the operational HTTP surface settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// AdminRateLimit caps requests per minute per client on the admin
	// endpoints. 0 disables the cap.
	AdminRateLimit int `koanf:"admin_rate_limit" validate:"gte=0"`
}

// RateLimitConfig carries the configured rate limit rules.
type RateLimitConfig struct {
	Rules []ratelimit.Rule `koanf:"rules"`
}

// AbuseConfig carries the configured abuse patterns.
type AbuseConfig struct {
	Patterns []abuse.Pattern `koanf:"patterns"`
}

// ReputationConfig selects the external reputation provider.
type ReputationConfig struct {
	// Enabled turns on reputation lookups. With no provider wired the
	// engine uses the null provider and lookups fail fast.
	Enabled bool `koanf:"enabled"`

	// Provider names the external service. Only "none" ships today.
	Provider string `koanf:"provider"`
}

// SweepConfig paces the background reclamation pass.
type SweepConfig struct {
	// Interval is how often a full sweep runs.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// MaxPerSecond bounds how many sweep passes may start per second,
	// so a crash-looping supervisor cannot turn sweeps into a busy loop.
	MaxPerSecond float64 `koanf:"max_per_second" validate:"gt=0"`
}

// LoggingConfig holds the log settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, including a conservative
// starter rule and pattern set so a bare deployment protects login traffic
// out of the box.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8436,
			Timeout:        30 * time.Second,
			AdminRateLimit: 120,
		},
		Events:    event.DefaultConfig(),
		Challenge: challenge.DefaultConfig(),
		Lockout:   lockout.DefaultConfig(),
		Spam:      spam.DefaultConfig(),
		Snapshot:  snapshot.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Rules: []ratelimit.Rule{
				{
					ID:            "login",
					Method:        "POST",
					PathPrefix:    "/api/login",
					Window:        time.Minute,
					MaxRequests:   5,
					CountFailures: true,
				},
				{
					ID:          "api",
					PathPrefix:  "/api/",
					Window:      time.Minute,
					MaxRequests: 300,
				},
			},
		},
		Abuse: AbuseConfig{
			Patterns: []abuse.Pattern{
				{
					ID:        "rapid-requests",
					Name:      "rapid request bursts",
					Kind:      abuse.KindFrequency,
					Threshold: 100,
					Window:    time.Minute,
					Severity:  event.SeverityMedium,
					Action:    abuse.ActionChallenge,
					Enabled:   true,
				},
				{
					ID:        "login-hammering",
					Name:      "sustained login attempts",
					Kind:      abuse.KindFrequency,
					Threshold: 20,
					Window:    5 * time.Minute,
					Severity:  event.SeverityHigh,
					Action:    abuse.ActionBlock,
					Enabled:   true,
				},
			},
		},
		Reputation: ReputationConfig{
			Enabled:  false,
			Provider: "none",
		},
		Sweep: SweepConfig{
			Interval:     time.Minute,
			MaxPerSecond: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the whole tree. Rule and pattern entries are validated
// again at component construction; checking here surfaces errors while the
// config file is still in hand.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	for _, r := range c.RateLimit.Rules {
		if err := validation.ValidateStruct(&r); err != nil {
			return fmt.Errorf("rate limit rule %q: %w", r.ID, err)
		}
	}
	for _, p := range c.Abuse.Patterns {
		if err := validation.ValidateStruct(&p); err != nil {
			return fmt.Errorf("abuse pattern %q: %w", p.ID, err)
		}
	}
	return nil
}

// ListenAddr returns the host:port the operational server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

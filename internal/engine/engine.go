// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package engine composes the Castellan components behind one facade.
// Components stay independently usable; the engine only wires them
// together and adds the cross-component conveniences (request inspection,
// state flush, background sweeping).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/castellanhq/castellan/internal/abuse"
	"github.com/castellanhq/castellan/internal/challenge"
	"github.com/castellanhq/castellan/internal/config"
	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/lockout"
	"github.com/castellanhq/castellan/internal/logging"
	"github.com/castellanhq/castellan/internal/ratelimit"
	"github.com/castellanhq/castellan/internal/reputation"
	"github.com/castellanhq/castellan/internal/snapshot"
	"github.com/castellanhq/castellan/internal/spam"
)

// Engine bundles every Castellan component.
type Engine struct {
	Events     *event.Store
	Limiter    *ratelimit.Limiter
	Detector   *abuse.Detector
	Challenges *challenge.Manager
	Lockouts   *lockout.Manager
	Spam       *spam.Scorer
	Reputation reputation.Client

	snap *snapshot.Store
}

// Options carry the collaborators the config cannot express.
type Options struct {
	// DeliverUnlockCode hands lockout unlock codes to an out-of-band
	// channel. Nil means codes are unrecoverable.
	DeliverUnlockCode lockout.CodeDelivery

	// Snapshot overrides the snapshot store, mainly for tests. When nil
	// the store is opened from cfg.Snapshot.
	Snapshot *snapshot.Store
}

// New builds a fully wired engine from the configuration.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	events := event.NewStore(cfg.Events)

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit.Rules)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}
	detector, err := abuse.NewDetector(events, cfg.Abuse.Patterns)
	if err != nil {
		return nil, fmt.Errorf("building abuse detector: %w", err)
	}

	var rep reputation.Client = reputation.Unavailable{}
	if cfg.Reputation.Enabled {
		rep = reputation.NewBreaker(rep)
	}

	snap := opts.Snapshot
	if snap == nil {
		snap, err = snapshot.Open(cfg.Snapshot)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		Events:     events,
		Limiter:    limiter,
		Detector:   detector,
		Challenges: challenge.NewManager(events, cfg.Challenge),
		Lockouts:   lockout.NewManager(events, opts.DeliverUnlockCode, cfg.Lockout),
		Spam:       spam.NewScorer(events, cfg.Spam),
		Reputation: rep,
		snap:       snap,
	}, nil
}

// Request describes one inbound request for inspection.
type Request struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Source string `json:"source"`
	UserID string `json:"user_id,omitempty"`
}

// Assessment is the combined verdict for one request.
type Assessment struct {
	// Locked reports an active account lockout for the user. When set,
	// nothing else was evaluated.
	Locked bool `json:"locked"`

	// RateLimit is the limiter decision for the matched rule, or an
	// always-allowed decision when no rule matched.
	RateLimit ratelimit.Decision `json:"rate_limit"`

	// Triggered lists the abuse patterns the request pushed over their
	// thresholds.
	Triggered []abuse.Triggered `json:"triggered,omitempty"`

	// Challenge is set when a triggered pattern escalated to a challenge.
	Challenge *challenge.Challenge `json:"challenge,omitempty"`
}

// Inspect runs one request through lockout, rate limiting, and abuse
// detection in order. A rate limit denial is recorded as an event; a
// triggered challenge action issues the challenge inline.
func (e *Engine) Inspect(req Request, now time.Time) Assessment {
	var out Assessment

	if req.UserID != "" && e.Lockouts.IsLocked(req.UserID, now) {
		out.Locked = true
		return out
	}

	rule, matched := e.Limiter.Match(req.Method, req.Path)
	if matched {
		out.RateLimit = e.Limiter.Check(rule.ID, req.Source, now)
		if !out.RateLimit.Allowed {
			e.Events.Log(event.Record{
				Type:     event.TypeRateLimitExceeded,
				Severity: event.SeverityMedium,
				Source:   req.Source,
				UserID:   req.UserID,
				Details: map[string]string{
					"rule":   rule.ID,
					"method": req.Method,
					"path":   req.Path,
				},
			}, now)
			return out
		}
	} else {
		out.RateLimit = ratelimit.Decision{Allowed: true, Remaining: -1}
	}

	out.Triggered = e.Detector.Detect(req.Source, req.UserID, map[string]string{
		"method": req.Method,
		"path":   req.Path,
	}, now)

	for _, tr := range out.Triggered {
		if tr.Action == abuse.ActionChallenge && out.Challenge == nil {
			ch := e.Challenges.Issue(req.UserID, req.Source, now)
			out.Challenge = &ch
		}
	}
	return out
}

// Sweep reclaims expired state across every component and returns the total
// number of records removed.
func (e *Engine) Sweep(now time.Time) int {
	total := e.Events.Sweep(now)
	total += e.Limiter.Sweep(now)
	total += e.Detector.Sweep(now)
	total += e.Challenges.Sweep(now)
	total += e.Lockouts.Sweep(now)
	if total > 0 {
		logging.Debug().Int("reclaimed", total).Msg("sweep completed")
	}
	return total
}

// Flush persists events, alerts, and active lockouts to the snapshot store.
func (e *Engine) Flush(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	events := e.Events.Events(event.Filter{})
	if err := e.snap.SaveEvents(events); err != nil {
		return fmt.Errorf("flushing events: %w", err)
	}
	alerts := e.Events.Alerts(event.AlertFilter{})
	if err := e.snap.SaveAlerts(alerts); err != nil {
		return fmt.Errorf("flushing alerts: %w", err)
	}
	if err := e.snap.SaveLockouts(e.Lockouts.Active(now)); err != nil {
		return fmt.Errorf("flushing lockouts: %w", err)
	}
	if err := e.snap.MarkFlushed(now); err != nil {
		return err
	}

	logging.Info().
		Int("events", len(events)).
		Int("alerts", len(alerts)).
		Msg("state flushed to snapshot store")
	return nil
}

// Close flushes nothing; it releases the snapshot store. Call Flush first
// during orderly shutdown.
func (e *Engine) Close() error {
	return e.snap.Close()
}

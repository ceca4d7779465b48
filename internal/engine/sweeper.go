// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/castellanhq/castellan/internal/config"
)

// Sweeper runs the engine's reclamation pass on an interval. It implements
// suture.Service so the supervisor restarts it after a panic; the token
// bucket keeps restart loops from turning sweeps into a hot loop.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	pace     *rate.Limiter
}

// NewSweeper creates a sweeper from the sweep configuration.
func NewSweeper(e *Engine, cfg config.SweepConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = 1
	}
	return &Sweeper{
		engine:   e,
		interval: cfg.Interval,
		pace:     rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), 1),
	}
}

// Serve implements suture.Service. It returns when the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pace.Wait(ctx); err != nil {
				return err
			}
			s.engine.Sweep(time.Now())
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "sweeper"
}

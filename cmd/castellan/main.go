// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package main is the entry point for the Castellan server.
//
// Castellan is an abuse prevention and security monitoring engine: rate
// limiting, abuse pattern detection, spam scoring, human verification
// challenges, account lockouts, and a correlated security event log,
// administered over an HTTP API.
//
// Startup order:
//
//  1. Configuration: layered env > file > defaults (Koanf v2)
//  2. Logging: global zerolog logger per the logging config
//  3. Engine: event store, limiter, detector, managers, snapshot store
//  4. Supervision tree: sweeper (engine layer) + HTTP server (API layer)
//
// Shutdown on SIGINT/SIGTERM cancels the tree, flushes engine state to the
// snapshot store, and closes it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castellanhq/castellan/internal/config"
	"github.com/castellanhq/castellan/internal/engine"
	"github.com/castellanhq/castellan/internal/lockout"
	"github.com/castellanhq/castellan/internal/logging"
	"github.com/castellanhq/castellan/internal/ops"
	"github.com/castellanhq/castellan/internal/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "castellan: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr()).
		Msg("castellan starting")

	// Unlock codes go to the log for operators. A mail or ticketing
	// delivery can replace this without touching the lockout manager.
	deliver := lockout.CodeDelivery(func(userID, code string) {
		logging.Warn().
			Str("user_id", userID).
			Str("unlock_code", code).
			Msg("account locked; unlock code issued")
	})

	eng, err := engine.New(cfg, engine.Options{DeliverUnlockCode: deliver})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddEngineService(engine.NewSweeper(eng, cfg.Sweep))

	srv := ops.NewServer(eng, cfg.Server, nil)
	tree.AddAPIService(supervisor.NewHTTPService(srv.HTTPServer(cfg.ListenAddr()), 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervision tree exited")
	}

	// the run context is spent; shutdown work gets its own deadline
	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Flush(flushCtx, time.Now()); err != nil {
		logging.Error().Err(err).Msg("flushing state on shutdown")
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("closing snapshot store: %w", err)
	}

	logging.Info().Msg("castellan stopped")
	return nil
}

// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"castellan.yaml",
	"castellan.yml",
	"/etc/castellan/config.yaml",
	"/etc/castellan/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CASTELLAN_CONFIG"

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. an optional YAML config file
//  3. CASTELLAN_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CASTELLAN_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps CASTELLAN_* variables (prefix stripped, lowercased) to
// config paths. List-valued settings (rules, patterns, keywords) come from
// the config file only.
var envMappings = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"timeout":          "server.timeout",
	"admin_rate_limit": "server.admin_rate_limit",

	"max_events":          "events.max_events",
	"retention":           "events.retention",
	"suspicion_window":    "events.suspicion_window",
	"suspicion_threshold": "events.suspicion_threshold",
	"failure_window":      "events.failure_window",
	"failure_threshold":   "events.failure_threshold",

	"challenge_ttl":          "challenge.ttl",
	"challenge_max_attempts": "challenge.max_attempts",

	"lockout_duration":            "lockout.duration",
	"lockout_max_unlock_attempts": "lockout.max_unlock_attempts",
	"lockout_extend_by":           "lockout.extend_by",

	"spam_threshold": "spam.threshold",

	"reputation_enabled":  "reputation.enabled",
	"reputation_provider": "reputation.provider",

	"snapshot_path": "snapshot.path",

	"sweep_interval":       "sweep.interval",
	"sweep_max_per_second": "sweep.max_per_second",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable to its config path.
// Unknown variables are dropped so unrelated environment noise cannot
// reach the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "CASTELLAN_"))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package snapshot persists engine state across restarts. Events, alerts,
// and active lockouts are flushed to an embedded Badger database on
// shutdown and read back on the next start.
package snapshot

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/lockout"
)

// Key prefixes partition the keyspace per record kind.
const (
	prefixEvent   = "event/"
	prefixAlert   = "alert/"
	prefixLockout = "lockout/"
	keyFlushedAt  = "meta/flushed_at"
)

// Config holds snapshot storage settings.
type Config struct {
	// Path is the Badger directory. Empty selects an in-memory database,
	// useful for tests and ephemeral deployments.
	Path string `koanf:"path"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Path: "/var/lib/castellan/snapshot"}
}

// Store wraps the Badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the snapshot database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEvents replaces the persisted event set.
func (s *Store) SaveEvents(events []event.SecurityEvent) error {
	return s.replace(prefixEvent, len(events), func(i int) (string, any) {
		return events[i].ID, events[i]
	})
}

// SaveAlerts replaces the persisted alert set.
func (s *Store) SaveAlerts(alerts []event.Alert) error {
	return s.replace(prefixAlert, len(alerts), func(i int) (string, any) {
		return alerts[i].ID, alerts[i]
	})
}

// SaveLockouts replaces the persisted active lockout set.
func (s *Store) SaveLockouts(lockouts []lockout.Info) error {
	return s.replace(prefixLockout, len(lockouts), func(i int) (string, any) {
		return lockouts[i].UserID, lockouts[i]
	})
}

// MarkFlushed records when the last full flush completed.
func (s *Store) MarkFlushed(now time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyFlushedAt), []byte(now.UTC().Format(time.RFC3339Nano)))
	})
}

// FlushedAt returns the timestamp of the last completed flush, or the zero
// time when no flush has happened.
func (s *Store) FlushedAt() (time.Time, error) {
	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyFlushedAt))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return err
			}
			at = parsed
			return nil
		})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading flush marker: %w", err)
	}
	return at, nil
}

// LoadEvents reads back the persisted events.
func (s *Store) LoadEvents() ([]event.SecurityEvent, error) {
	var out []event.SecurityEvent
	err := load(s, prefixEvent, &out)
	return out, err
}

// LoadAlerts reads back the persisted alerts.
func (s *Store) LoadAlerts() ([]event.Alert, error) {
	var out []event.Alert
	err := load(s, prefixAlert, &out)
	return out, err
}

// LoadLockouts reads back the persisted active lockouts.
func (s *Store) LoadLockouts() ([]lockout.Info, error) {
	var out []lockout.Info
	err := load(s, prefixLockout, &out)
	return out, err
}

// replace drops every record under the prefix and writes the new set in one
// logical operation. Batches go through WriteBatch so large event sets do
// not exceed a single transaction's limits.
func (s *Store) replace(prefix string, n int, record func(i int) (string, any)) error {
	if err := s.db.DropPrefix([]byte(prefix)); err != nil {
		return fmt.Errorf("clearing %s records: %w", prefix, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := 0; i < n; i++ {
		key, value := record(i)
		blob, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding %s%s: %w", prefix, key, err)
		}
		if err := wb.Set([]byte(prefix+key), blob); err != nil {
			return fmt.Errorf("writing %s%s: %w", prefix, key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing %s records: %w", prefix, err)
	}
	return nil
}

func load[T any](s *Store, prefix string, out *[]T) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec T
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				*out = append(*out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading %s records: %w", prefix, err)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Badger-Backed Record Store
// =============================================================================

// ErrRecordNotFound is returned when no record exists for a correlation ID.
var ErrRecordNotFound = errors.New("audit record not found")

// recordKeyPrefix namespaces audit records within the database.
const recordKeyPrefix = "audit:"

// StoreConfig configures a BadgerStore.
type StoreConfig struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory runs without disk persistence. For tests.
	InMemory bool

	// Retention is the TTL applied to every record. Records expire from
	// the queryable store after this long; the ChainLogger file remains
	// the long-term trail. Zero disables expiry.
	Retention time.Duration

	// SyncWrites forces fsync per write. On for production.
	SyncWrites bool
}

// DefaultStoreConfig returns production defaults: synced writes and a
// 90-day retention window.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:       path,
		SyncWrites: true,
		Retention:  90 * 24 * time.Hour,
	}
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...))
}
func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...))
}
func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...))
}
func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a Sink that also serves point lookups by correlation
// ID, backing GET /v1/audit/:correlationId and the CLI.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// NewBadgerStore opens the store, creating the directory if needed.
func NewBadgerStore(cfg StoreConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent audit store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create audit store directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	slog.Info("Audit record store opened",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
		"retention", cfg.Retention.String())
	return &BadgerStore{db: db, retention: cfg.Retention}, nil
}

// Write implements Sink, storing the record under its correlation ID
// with the configured retention TTL.
func (s *BadgerStore) Write(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	key := []byte(recordKeyPrefix + record.CorrelationID)
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, payload)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Get returns the record for a correlation ID, or ErrRecordNotFound.
func (s *BadgerStore) Get(ctx context.Context, correlationID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKeyPrefix + correlationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Close implements Sink.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

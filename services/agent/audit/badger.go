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

	"github.com/dgraph-io/badger/v4"
)

// Badger key layout:
//
//	audit:v1:{unix nanos, 20 digits}:{id} → JSON(Record)
//
// The zero-padded timestamp makes key order chronological.
const keyPrefixAudit = "audit:v1:"

// BadgerStore keeps audit records in an embedded badger database.
//
// Thread Safety: Safe for concurrent use. Badger handles its own
// concurrency control.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore wraps an opened badger database. The caller closes db.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenBadger opens a badger database for audit use. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else {
		// Each append is fsynced before Append returns.
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open badger %q: %w", dir, err)
	}
	return db, nil
}

func recordKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefixAudit, r.Timestamp.UTC().UnixNano(), r.ID))
}

// Append implements Store. An existing key is never overwritten.
func (s *BadgerStore) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", r.ID, err)
	}
	key := recordKey(r)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("record %s already exists", r.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", r.ID, err)
	}
	return nil
}

// List implements Store by iterating keys newest first.
func (s *BadgerStore) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.limit()
	out := make([]Record, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefixAudit)

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix range.
		seek := append([]byte(keyPrefixAudit), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			var r Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				s.logger.Warn("skipping corrupt audit record",
					slog.String("key", string(item.Key())),
					slog.Any("error", err),
				)
				continue
			}
			if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
				break
			}
			if f.Matches(r) {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
)

const (
	runKeyPrefix    = "checkpoint:run:"
	latestKeyPrefix = "checkpoint:latest:"
)

// BadgerStore persists checkpoints in BadgerDB.
//
// checkpoint:run:{run} holds the checkpoint and checkpoint:latest:{context}
// points at the newest run for a work context. The pointer is advanced in
// the same transaction as the write.
type BadgerStore struct {
	db *bstore.DB
}

// NewBadgerStore creates a store over db. The caller owns db.
func NewBadgerStore(db *bstore.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Save implements Store.
func (b *BadgerStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := bstore.PutJSON(txn, runKeyPrefix+cp.RunID, cp); err != nil {
			return err
		}
		if cp.WorkContext == "" {
			return nil
		}

		pointer := latestKeyPrefix + cp.WorkContext
		var currentID string
		err := bstore.GetJSON(txn, pointer, &currentID)
		switch {
		case errors.Is(err, bstore.ErrKeyNotFound):
		case err != nil:
			return err
		case currentID != cp.RunID:
			var current Checkpoint
			err := bstore.GetJSON(txn, runKeyPrefix+currentID, &current)
			if err == nil && !newer(cp, &current) {
				return nil
			}
			if err != nil && !errors.Is(err, bstore.ErrKeyNotFound) {
				return err
			}
		}
		return bstore.PutJSON(txn, pointer, cp.RunID)
	})
}

// Load implements Store.
func (b *BadgerStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.GetJSON(txn, runKeyPrefix+runID, &cp)
	})
	if errors.Is(err, bstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Latest implements Store. A dangling pointer, left by Delete, falls back to
// a scan.
func (b *BadgerStore) Latest(ctx context.Context, workContext string) (*Checkpoint, error) {
	var runID string
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.GetJSON(txn, latestKeyPrefix+workContext, &runID)
	})
	if err == nil {
		cp, err := b.Load(ctx, runID)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, bstore.ErrKeyNotFound) {
		return nil, err
	}

	cps, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	return latestFor(cps, workContext)
}

func (b *BadgerStore) all(ctx context.Context) ([]*Checkpoint, error) {
	var out []*Checkpoint
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.ScanPrefix(txn, runKeyPrefix, func(_ string, val []byte) error {
			var cp Checkpoint
			if json.Unmarshal(val, &cp) == nil && cp.Verify() == nil {
				out = append(out, &cp)
			}
			return nil
		})
	})
	return out, err
}

// ListActive implements Store.
func (b *BadgerStore) ListActive(ctx context.Context) ([]*Checkpoint, error) {
	cps, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	return activeOf(cps), nil
}

// Delete implements Store.
func (b *BadgerStore) Delete(ctx context.Context, runID string) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(runKeyPrefix + runID))
	})
}

var _ Store = (*BadgerStore)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
)

const (
	itemKeyPrefix  = "queue:item:"
	indexKeyPrefix = "queue:id:"
	seqKeyPrefix   = "queue:seq:"
)

// BadgerStore persists queue items in BadgerDB.
//
// Key format:
//
//	queue:item:{project}:{seq:016d} -> item JSON
//	queue:id:{project}:{item}       -> seq
//	queue:seq:{project}             -> last reserved seq
//
// Zero-padded sequences make a prefix scan return items in FIFO order.
type BadgerStore struct {
	db *bstore.DB
}

// NewBadgerStore creates a store over db. The caller owns db.
func NewBadgerStore(db *bstore.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func itemKey(projectID string, seq int64) string {
	return fmt.Sprintf("%s%s:%016d", itemKeyPrefix, projectID, seq)
}

func indexKey(projectID, itemID string) string {
	return indexKeyPrefix + projectID + ":" + itemID
}

// NextSequence implements Store.
func (b *BadgerStore) NextSequence(ctx context.Context, projectID string) (int64, error) {
	var next int64
	err := b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var last int64
		err := bstore.GetJSON(txn, seqKeyPrefix+projectID, &last)
		if err != nil && !errors.Is(err, bstore.ErrKeyNotFound) {
			return err
		}
		next = last + 1
		return bstore.PutJSON(txn, seqKeyPrefix+projectID, next)
	})
	if err != nil {
		return 0, fmt.Errorf("reserve sequence for %s: %w", projectID, err)
	}
	return next, nil
}

// Put implements Store.
func (b *BadgerStore) Put(ctx context.Context, item *Item) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := bstore.PutJSON(txn, itemKey(item.ProjectID, item.Sequence), item); err != nil {
			return err
		}
		return bstore.PutJSON(txn, indexKey(item.ProjectID, item.ID), item.Sequence)
	})
}

// Get implements Store.
func (b *BadgerStore) Get(ctx context.Context, projectID, itemID string) (*Item, error) {
	var item Item
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var seq int64
		if err := bstore.GetJSON(txn, indexKey(projectID, itemID), &seq); err != nil {
			return err
		}
		return bstore.GetJSON(txn, itemKey(projectID, seq), &item)
	})
	if errors.Is(err, bstore.ErrKeyNotFound) {
		return nil, &QueueItemNotFoundError{ProjectID: projectID, ItemID: itemID}
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// List implements Store.
func (b *BadgerStore) List(ctx context.Context, projectID string) ([]*Item, error) {
	var out []*Item
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.ScanPrefix(txn, itemKeyPrefix+projectID+":", func(key string, val []byte) error {
			var item Item
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBySequence(out)
	return out, nil
}

// Delete implements Store.
func (b *BadgerStore) Delete(ctx context.Context, projectID, itemID string) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var seq int64
		err := bstore.GetJSON(txn, indexKey(projectID, itemID), &seq)
		if errors.Is(err, bstore.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(itemKey(projectID, seq))); err != nil {
			return err
		}
		return txn.Delete([]byte(indexKey(projectID, itemID)))
	})
}

// Projects implements Store.
func (b *BadgerStore) Projects(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.ScanPrefix(txn, itemKeyPrefix, func(key string, _ []byte) error {
			rest := strings.TrimPrefix(key, itemKeyPrefix)
			if i := strings.LastIndexByte(rest, ':'); i > 0 {
				seen[rest[:i]] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

var _ Store = (*BadgerStore)(nil)

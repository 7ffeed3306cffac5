// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
)

// BadgerLog persists progress records in BadgerDB.
//
// Key format: progress:{run}:{seq:016d}. Values are [4-byte CRC32][JSON].
// Sequence counters are kept in memory and seeded from the highest stored
// key the first time a run is touched.
//
// Thread Safety: Safe for concurrent use.
type BadgerLog struct {
	db  *bstore.DB
	now func() time.Time

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewBadgerLog creates a log backed by db. The caller owns db.
func NewBadgerLog(db *bstore.DB) *BadgerLog {
	return &BadgerLog{db: db, now: time.Now, seqs: make(map[string]uint64)}
}

func runPrefix(runID string) string {
	return fmt.Sprintf("progress:%s:", runID)
}

func recordKey(runID string, seq uint64) string {
	return fmt.Sprintf("%s%016d", runPrefix(runID), seq)
}

func encodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode progress record: %w", err)
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out, nil
}

func decodeRecord(val []byte) (Record, error) {
	var r Record
	if len(val) < 5 {
		return r, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(val[:4])
	if computed := crc32.ChecksumIEEE(val[4:]); stored != computed {
		return r, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(val[4:], &r); err != nil {
		return r, fmt.Errorf("decode progress record: %w", err)
	}
	return r, nil
}

// nextSeq must be called with l.mu held.
func (l *BadgerLog) nextSeq(ctx context.Context, runID string) (uint64, error) {
	if seq, ok := l.seqs[runID]; ok {
		l.seqs[runID] = seq + 1
		return seq + 1, nil
	}
	var last uint64
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		key, _, found, err := bstore.LastWithPrefix(txn, runPrefix(runID))
		if err != nil || !found {
			return err
		}
		last, err = strconv.ParseUint(strings.TrimPrefix(key, runPrefix(runID)), 10, 64)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("seed progress sequence for %s: %w", runID, err)
	}
	l.seqs[runID] = last + 1
	return last + 1, nil
}

// Append implements Log.
func (l *BadgerLog) Append(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	val, err := encodeRecord(r)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.nextSeq(ctx, r.RunID)
	if err != nil {
		return err
	}
	return l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey(r.RunID, seq)), val)
	})
}

// Last implements Log.
func (l *BadgerLog) Last(ctx context.Context, runID string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, val, ok, err := bstore.LastWithPrefix(txn, runPrefix(runID))
		if err != nil || !ok {
			return err
		}
		rec, err = decodeRecord(val)
		found = err == nil
		return err
	})
	return rec, found, err
}

// List implements Log.
func (l *BadgerLog) List(ctx context.Context, runID string) ([]Record, error) {
	var out []Record
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.ScanPrefix(txn, runPrefix(runID), func(_ string, val []byte) error {
			r, err := decodeRecord(val)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

var _ Log = (*BadgerLog)(nil)

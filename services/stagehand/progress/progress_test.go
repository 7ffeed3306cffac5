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
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
)

func logs(t *testing.T) map[string]Log {
	t.Helper()
	db, err := bstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Log{
		"memory": NewMemoryLog(),
		"badger": NewBadgerLog(db),
	}
}

func TestLog_AppendListLast(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := log.Last(ctx, "run-1")
			require.NoError(t, err)
			assert.False(t, ok)

			recs := []Record{
				{Timestamp: base, Type: RecordPipelineInitialized, RunID: "run-1"},
				{Timestamp: base.Add(time.Second), Type: RecordStageStarted, RunID: "run-1", StageID: "a", ExecutionNumber: 1},
				{Timestamp: base.Add(2 * time.Second), Type: RecordStageError, RunID: "run-1", StageID: "a", ExecutionNumber: 1},
				{Timestamp: base.Add(3 * time.Second), Type: RecordStageStarted, RunID: "run-1", StageID: "a", ExecutionNumber: 2},
			}
			for _, r := range recs {
				require.NoError(t, log.Append(ctx, r))
			}
			require.NoError(t, log.Append(ctx, Record{Timestamp: base, Type: RecordPipelineInitialized, RunID: "run-10"}))

			got, err := log.List(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, got, 4)
			for i := range recs {
				assert.Equal(t, recs[i].Type, got[i].Type)
				assert.Equal(t, recs[i].ExecutionNumber, got[i].ExecutionNumber)
				assert.True(t, recs[i].Timestamp.Equal(got[i].Timestamp))
			}

			last, ok, err := log.Last(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 2, last.ExecutionNumber)

			ts, err := LastActivity(ctx, log, "run-1")
			require.NoError(t, err)
			assert.True(t, ts.Equal(base.Add(3*time.Second)))

			ts, err = LastActivity(ctx, log, "missing")
			require.NoError(t, err)
			assert.True(t, ts.IsZero())
		})
	}
}

func TestLastActivity_UsesGreatestTimestamp(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			// Two parallel stages stamped their records in one order and
			// appended them in the other.
			require.NoError(t, log.Append(ctx, Record{Timestamp: base, Type: RecordPipelineInitialized, RunID: "run-p"}))
			require.NoError(t, log.Append(ctx, Record{Timestamp: base.Add(5 * time.Microsecond), Type: RecordStageCompleted, RunID: "run-p", StageID: "b"}))
			require.NoError(t, log.Append(ctx, Record{Timestamp: base.Add(2 * time.Microsecond), Type: RecordStageCompleted, RunID: "run-p", StageID: "a"}))

			last, ok, err := log.Last(ctx, "run-p")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a", last.StageID)

			ts, err := LastActivity(ctx, log, "run-p")
			require.NoError(t, err)
			assert.True(t, ts.Equal(base.Add(5*time.Microsecond)), "got %s", ts)
		})
	}
}

func TestLog_DefaultsTimestamp(t *testing.T) {
	ctx := context.Background()
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			require.NoError(t, log.Append(ctx, Record{Type: RecordStageStarted, RunID: "r"}))
			last, ok, err := log.Last(ctx, "r")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, last.Timestamp.After(before))
		})
	}
}

func TestBadgerLog_ResumesSequenceAfterReopen(t *testing.T) {
	ctx := context.Background()
	db, err := bstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	first := NewBadgerLog(db)
	require.NoError(t, first.Append(ctx, Record{Type: RecordStageStarted, RunID: "r", StageID: "a"}))
	require.NoError(t, first.Append(ctx, Record{Type: RecordStageCompleted, RunID: "r", StageID: "a"}))

	// A fresh log over the same database must not overwrite existing keys.
	second := NewBadgerLog(db)
	require.NoError(t, second.Append(ctx, Record{Type: RecordStageStarted, RunID: "r", StageID: "b"}))

	got, err := second.List(ctx, "r")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[2].StageID)
}

func TestBadgerLog_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	db, err := bstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	log := NewBadgerLog(db)
	require.NoError(t, log.Append(ctx, Record{Type: RecordStageStarted, RunID: "r"}))
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey("r", 1)), []byte{0, 0, 0, 0, '{', '}'})
	}))

	_, err = log.List(ctx, "r")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestMemoryLog_Runs(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.Append(ctx, Record{RunID: "b"}))
	require.NoError(t, log.Append(ctx, Record{RunID: "a"}))
	assert.Equal(t, []string{"a", "b"}, log.Runs())
}

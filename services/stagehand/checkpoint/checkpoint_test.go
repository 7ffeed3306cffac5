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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bstore "github.com/AleutianAI/stagehand/services/stagehand/storage/badger"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := bstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	out := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"badger": NewBadgerStore(db),
	}
	if url := os.Getenv("STAGEHAND_TEST_DATABASE_URL"); url != "" {
		pg, err := OpenPostgres(context.Background(), url)
		require.NoError(t, err)
		_, err = pg.pool.Exec(context.Background(), `TRUNCATE stagehand_checkpoints`)
		require.NoError(t, err)
		t.Cleanup(pg.Close)
		out["postgres"] = pg
	}
	return out
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sample(runID, wc string, status Status, at time.Time) *Checkpoint {
	return &Checkpoint{
		RunID:           runID,
		GraphID:         "build",
		Status:          status,
		CurrentStage:    "b",
		CompletedStages: []string{"a", "b"},
		Outputs:         map[string]any{"a": "alpha", "b": map[string]any{"n": 2}},
		Input:           "payload",
		WorkContext:     wc,
		ItemID:          "item-1",
		UpdatedAt:       at,
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cp := sample("run-1", "proj-a", StatusRunning, base)
			require.NoError(t, s.Save(ctx, cp))
			assert.Equal(t, Version, cp.Version)
			assert.NotEmpty(t, cp.Checksum)

			got, err := s.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, got.CompletedStages)
			assert.Equal(t, "proj-a", got.WorkContext)
			assert.Equal(t, "alpha", got.Outputs["a"])
			assert.Equal(t, float64(2), got.Outputs["b"].(map[string]any)["n"])
			assert.True(t, got.IsCompleted("b"))
			assert.False(t, got.IsCompleted("c"))
			assert.NoError(t, got.Verify())

			_, err = s.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_OverwriteAndLatest(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, sample("run-old", "proj-a", StatusCompleted, base)))
			require.NoError(t, s.Save(ctx, sample("run-new", "proj-a", StatusRunning, base.Add(time.Minute))))

			latest, err := s.Latest(ctx, "proj-a")
			require.NoError(t, err)
			assert.Equal(t, "run-new", latest.RunID)

			// Overwrite the newest run at a stage boundary.
			cp := sample("run-new", "proj-a", StatusCompleted, base.Add(2*time.Minute))
			cp.CompletedStages = []string{"a", "b", "c"}
			require.NoError(t, s.Save(ctx, cp))
			got, err := s.Load(ctx, "run-new")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Len(t, got.CompletedStages, 3)

			_, err = s.Latest(ctx, "proj-b")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListActive(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// proj-a: newest run is active.
			require.NoError(t, s.Save(ctx, sample("a-1", "proj-a", StatusFailed, base)))
			require.NoError(t, s.Save(ctx, sample("a-2", "proj-a", StatusRunning, base.Add(2*time.Minute))))
			// proj-b: an older run is active but the newest finished.
			require.NoError(t, s.Save(ctx, sample("b-1", "proj-b", StatusRunning, base)))
			require.NoError(t, s.Save(ctx, sample("b-2", "proj-b", StatusCompleted, base.Add(time.Minute))))
			// Run without a work context.
			require.NoError(t, s.Save(ctx, sample("solo", "", StatusRunning, base.Add(time.Minute))))

			active, err := s.ListActive(ctx)
			require.NoError(t, err)
			ids := make([]string, len(active))
			for i, cp := range active {
				ids[i] = cp.RunID
			}
			assert.Equal(t, []string{"solo", "a-2"}, ids)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, sample("r-1", "proj-a", StatusRunning, base)))
			require.NoError(t, s.Save(ctx, sample("r-2", "proj-a", StatusRunning, base.Add(time.Minute))))
			require.NoError(t, s.Delete(ctx, "r-2"))
			require.NoError(t, s.Delete(ctx, "r-2"))

			_, err := s.Load(ctx, "r-2")
			assert.ErrorIs(t, err, ErrNotFound)

			latest, err := s.Latest(ctx, "proj-a")
			require.NoError(t, err)
			assert.Equal(t, "r-1", latest.RunID)
		})
	}
}

func TestStore_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Save(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, s.Save(ctx, sample("../escape", "", StatusRunning, base)), ErrInvalidInput)

			bad := sample("r", "", StatusRunning, base)
			bad.Outputs = map[string]any{"ch": make(chan int)}
			assert.ErrorIs(t, s.Save(ctx, bad), ErrInvalidInput)
		})
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	cp := sample("run-1", "proj", StatusRunning, base)
	require.NoError(t, prepare(cp))
	require.NoError(t, cp.Verify())

	cp.CompletedStages = append(cp.CompletedStages, "c")
	assert.ErrorIs(t, cp.Verify(), ErrCorrupt)

	other := sample("run-1", "proj", StatusRunning, base)
	require.NoError(t, prepare(other))
	other.Version = "0.1.0"
	assert.ErrorIs(t, other.Verify(), ErrCorrupt)
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Save(ctx, sample("good", "proj", StatusRunning, base)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0600))

	_, err = fs.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrCorrupt)

	active, err := fs.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "good", active[0].RunID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
}

func TestClone_IsDeep(t *testing.T) {
	cp := sample("run-1", "proj", StatusRunning, base)
	clone := cp.Clone()
	clone.CompletedStages[0] = "changed"
	clone.Outputs["a"] = "changed"
	assert.Equal(t, "a", cp.CompletedStages[0])
	assert.Equal(t, "alpha", cp.Outputs["a"])
}

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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore writes one JSON file per run, {dir}/{runID}.json.
//
// Description:
//
//	Writes are atomic (temp file, fsync, rename) so a crash mid-write leaves
//	either the previous checkpoint or the new one, never a torn file.
//	Corrupt files are skipped by Latest and ListActive and reported by Load.
//
// Thread Safety: Safe for concurrent use within one process.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: checkpoint directory must not be empty", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (f *FileStore) path(runID string) string {
	return filepath.Join(f.dir, runID+".json")
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, f.path(cp.RunID)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	success = true
	return nil
}

func (f *FileStore) read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	cp, err := f.read(f.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return cp, err
}

func (f *FileStore) all() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var out []*Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := f.read(filepath.Join(f.dir, name))
		if err != nil {
			f.logger.Warn("skipping unreadable checkpoint",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Latest implements Store.
func (f *FileStore) Latest(_ context.Context, workContext string) (*Checkpoint, error) {
	cps, err := f.all()
	if err != nil {
		return nil, err
	}
	return latestFor(cps, workContext)
}

// ListActive implements Store.
func (f *FileStore) ListActive(context.Context) ([]*Checkpoint, error) {
	cps, err := f.all()
	if err != nil {
		return nil, err
	}
	return activeOf(cps), nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

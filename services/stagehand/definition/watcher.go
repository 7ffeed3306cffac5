// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definition

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/stagehand/services/stagehand/graph"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before loading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher registers definitions dropped into a directory while the
// service runs.
//
// Description:
//
//	Graphs are immutable once registered, so a file whose graph ID is
//	already known is logged and ignored. Edits to an existing definition
//	need a restart. Removals do not unregister anything.
//
// Thread Safety:
//
//	Safe for concurrent use. Files are loaded from a single goroutine.
type Watcher struct {
	dir      string
	reg      *graph.Registry
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	changes  chan string
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for dir. Call Start to begin watching.
//
// Inputs:
//
//	dir - Directory to watch. Subdirectories are not watched.
//	reg - Registry that receives new graphs.
//	debounce - Settle time. Zero uses DefaultDebounce.
//	logger - If nil, uses slog.Default().
func NewWatcher(dir string, reg *graph.Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if reg == nil {
		return nil, errors.New("definition watcher requires a registry")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		reg:      reg,
		logger:   logger.With(slog.String("component", "definition_watcher"), slog.String("dir", dir)),
		debounce: debounce,
		watcher:  fw,
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory is being watched;
// events are handled until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Info("watching pipeline definitions")
	return nil
}

// Stop ends watching and waits for the loops to exit. Safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, err := FormatOf(event.Name); err != nil {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("definition change dropped, buffer full", slog.String("path", event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			w.load(p)
		}
		clear(pending)
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.changes:
			pending[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

func (w *Watcher) load(path string) {
	gs, err := LoadFile(path)
	if err != nil {
		w.logger.Warn("pipeline definition rejected",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, g := range gs {
		err := w.reg.Register(g)
		switch {
		case errors.Is(err, graph.ErrDuplicateGraph):
			w.logger.Debug("pipeline already registered, restart to reload",
				slog.String("path", path),
				slog.String("graph_id", g.ID),
			)
		case err != nil:
			w.logger.Warn("pipeline definition rejected",
				slog.String("path", path),
				slog.String("graph_id", g.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

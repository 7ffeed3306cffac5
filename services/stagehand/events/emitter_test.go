// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_SubscribeByType(t *testing.T) {
	e := NewEmitter()
	var got []Type
	e.Subscribe(func(ev *Event) { got = append(got, ev.Type) }, TypeWorkStarted, TypeWorkCompleted)

	e.Emit(TypeQueueUpdated, QueueData{ProjectID: "p"})
	e.Emit(TypeWorkStarted, WorkData{ProjectID: "p", ItemID: "w1"})
	e.Emit(TypeWorkCompleted, WorkData{ProjectID: "p", ItemID: "w1"})

	assert.Equal(t, []Type{TypeWorkStarted, TypeWorkCompleted}, got)
	assert.Len(t, e.Recent(), 3)
	assert.Len(t, e.RecentByType(TypeQueueUpdated), 1)
}

func TestEmitter_Filter(t *testing.T) {
	e := NewEmitter()
	count := 0
	e.SubscribeWithFilter(func(*Event) { count++ }, func(ev *Event) bool {
		d, ok := ev.Data.(WorkData)
		return ok && d.ProjectID == "alpha"
	})

	e.Emit(TypeWorkStarted, WorkData{ProjectID: "alpha"})
	e.Emit(TypeWorkStarted, WorkData{ProjectID: "beta"})
	assert.Equal(t, 1, count)
}

func TestEmitter_PanickingHandlerIsIsolated(t *testing.T) {
	e := NewEmitter()
	e.Subscribe(func(*Event) { panic("boom") })
	delivered := false
	e.Subscribe(func(*Event) { delivered = true })

	assert.NotPanics(t, func() { e.Emit(TypeStageStarted, StageData{StageID: "a"}) })
	assert.True(t, delivered)
}

func TestEmitter_BufferBounded(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))
	e.Emit(TypeStageStarted, nil)
	before := time.Now()
	time.Sleep(time.Millisecond)
	e.Emit(TypeStageCompleted, nil)
	e.Emit(TypeExecutionCompleted, nil)

	recent := e.Recent()
	assert.Len(t, recent, 2)
	assert.Equal(t, TypeStageCompleted, recent[0].Type)
	assert.Len(t, e.RecentSince(before), 2)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()
	id := e.Subscribe(func(*Event) {})
	assert.Equal(t, 1, e.SubscriptionCount())
	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	assert.Equal(t, 0, e.SubscriptionCount())
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Emit(TypeStageStarted, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Count(TypeStageStarted))
	assert.Len(t, r.Types(), 20)
}

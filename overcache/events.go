// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"sync"
	"time"

	"github.com/mobiletoly/go-overcache/outbox"
)

// EventType names an observable sync or cache event
type EventType string

const (
	EventSyncStarted        EventType = "sync_started"
	EventSyncPending        EventType = "sync_pending"
	EventActionSynced       EventType = "action_synced"
	EventActionFailed       EventType = "action_failed"
	EventActionDead         EventType = "action_dead"
	EventSyncCompleted      EventType = "sync_completed"
	EventSyncError          EventType = "sync_error"
	EventPrefetchProgress   EventType = "prefetch_progress"
	EventPrefetchCompleted  EventType = "prefetch_completed"
	EventCacheWiped         EventType = "cache_wiped"
	EventStorageUnavailable EventType = "storage_unavailable"
	EventConnectivity       EventType = "connectivity"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Time     time.Time
	Pending  int
	Online   bool
	Action   *outbox.Action
	Sync     *SyncReport
	Progress *PrefetchProgress
	Prefetch *PrefetchReport
	Err      error
}

// Events fans events out to subscribers. Handlers run synchronously on the
// emitting goroutine and must not block.
type Events struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func newEvents() *Events {
	return &Events{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that unsubscribes it
func (e *Events) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Events) emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.RLock()
	subs := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

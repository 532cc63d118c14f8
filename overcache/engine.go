// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/connectivity"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
	"github.com/robfig/cron/v3"
)

// BackgroundTrigger is an optional platform source of wakeups, e.g. a
// background task scheduler that fires when connectivity returns.
type BackgroundTrigger interface {
	Wakeups() <-chan struct{}
}

// SyncReport summarizes one drain pass
type SyncReport struct {
	Skipped   bool // offline or paused; nothing was attempted
	Attempted int
	Synced    int
	Retried   int
	Dead      int
	Deferred  int  // blocked behind an earlier action of the same entity or not yet due
	Aborted   bool // the connection dropped mid-pass
	Remaining int  // pending actions left after the pass
	Complete  bool // the outbox was fully drained
}

type replayOutcome int

const (
	outcomeSynced replayOutcome = iota
	outcomeRetry
	outcomeDead
	outcomeAbort
)

// Engine replays queued actions against the remote API
type Engine struct {
	store    *cachestore.Store
	outbox   *outbox.Outbox
	remote   *remote.Client
	monitor  *connectivity.Monitor
	entities map[string]Entity
	writeMu  *sync.Mutex
	events   *Events
	stages   *stageObserver
	logger   *slog.Logger
	now      func() time.Time
	trigger  BackgroundTrigger
	interval time.Duration

	running atomic.Bool
	paused  atomic.Bool
	wake    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
}

func newEngine(store *cachestore.Store, ob *outbox.Outbox, rc *remote.Client, monitor *connectivity.Monitor,
	entities map[string]Entity, writeMu *sync.Mutex, events *Events, stages *stageObserver, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		outbox:   ob,
		remote:   rc,
		monitor:  monitor,
		entities: entities,
		writeMu:  writeMu,
		events:   events,
		stages:   stages,
		logger:   logger,
		now:      time.Now,
		interval: 5 * time.Minute,
		wake:     make(chan struct{}, 1),
	}
}

// Pause stops drain passes until Resume is called
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume re-enables drain passes
func (e *Engine) Resume() { e.paused.Store(false) }

// Wake asks the run loop for a drain pass. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox whenever it is woken: by Wake, by the monitor going
// online, by the background trigger and by the periodic fallback schedule.
// Run returns when ctx is done. A pass already in flight finishes on its own.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.monitor.OnChange(func(online bool) {
		if online {
			e.Wake()
		}
	})
	defer unsubscribe()

	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	if _, err := scheduler.AddFunc("@every "+e.interval.String(), e.Wake); err != nil {
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	defer e.stopTimer()

	var wakeups <-chan struct{}
	if e.trigger != nil {
		wakeups = e.trigger.Wakeups()
	}

	e.Wake()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case _, ok := <-wakeups:
			if !ok {
				wakeups = nil
				continue
			}
		}
		_, err := e.Drain(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, ErrSyncInProgress) {
			e.logger.Error("Sync pass failed", "error", err)
		}
	}
}

// Drain runs one pass over the pending actions in FIFO order. An action that
// fails or is not yet due blocks the later actions of the same entity for
// this pass. A create that has not landed also blocks actions whose payload
// references its local id. Other entities continue. A dropped connection
// aborts the pass without consuming retries.
func (e *Engine) Drain(ctx context.Context) (SyncReport, error) {
	if e.paused.Load() || !e.monitor.IsOnline() {
		return SyncReport{Skipped: true}, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		return SyncReport{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	start := e.stages.start()
	report, err := e.drain(ctx)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageTotal, start, report.Attempted, err != nil || report.Aborted)
	if err != nil {
		e.logger.Error("Sync pass failed", "error", err)
		e.events.emit(Event{Type: EventSyncError, Sync: &report, Err: err})
		return report, err
	}
	e.events.emit(Event{Type: EventSyncCompleted, Sync: &report, Pending: report.Remaining})
	return report, nil
}

func (e *Engine) drain(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	pending, err := e.outbox.ListPending(ctx)
	if err != nil {
		return report, err
	}
	e.events.emit(Event{Type: EventSyncStarted, Pending: len(pending)})
	e.events.emit(Event{Type: EventSyncPending, Pending: len(pending)})
	if len(pending) > 0 {
		e.logger.Info("Sync pass started", "pending", len(pending))
	}

	now := e.now()
	blocked := make(map[string]bool)
	// local ids of creates that have not landed; actions referencing them wait
	unlanded := make(map[string]bool)
	hold := func(a outbox.Action) {
		blocked[a.Key()] = true
		if a.Kind == outbox.KindCreate {
			unlanded[a.EntityID] = true
		}
	}
	for _, queued := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// Re-read: an earlier create in this pass may have retargeted it
		a, err := e.outbox.Get(ctx, queued.Seq)
		if errors.Is(err, outbox.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		if a.Status != outbox.StatusPending {
			continue
		}
		if blocked[a.Key()] || a.NextAttemptAt.After(now) || referencesAny(a, unlanded) {
			hold(a)
			report.Deferred++
			continue
		}

		report.Attempted++
		outcome, err := e.replay(ctx, a)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeSynced:
			report.Synced++
		case outcomeRetry:
			report.Retried++
			hold(a)
		case outcomeDead:
			report.Dead++
			hold(a)
		case outcomeAbort:
			report.Aborted = true
		}
		if report.Aborted {
			e.logger.Warn("Connection lost, sync pass aborted", "seq", a.Seq)
			go e.monitor.CheckNow(context.Background())
			break
		}
	}

	if err := e.reportDead(ctx); err != nil {
		return report, err
	}

	remaining, err := e.outbox.ListPending(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = len(remaining)
	if len(remaining) == 0 && !report.Aborted {
		report.Complete = true
		if err := e.store.MarkSynced(ctx, e.now()); err != nil {
			return report, err
		}
		if _, err := e.outbox.PurgeSynced(ctx); err != nil {
			return report, err
		}
	} else if report.Aborted {
		e.wakeAfter(e.outbox.Backoff(1))
	} else {
		e.scheduleRetry(remaining)
	}
	if report.Attempted > 0 {
		e.logger.Info("Sync pass finished",
			"synced", report.Synced, "retried", report.Retried, "dead", report.Dead,
			"deferred", report.Deferred, "remaining", report.Remaining)
	}
	return report, nil
}

// replay sends one action. The returned error is a local storage failure;
// remote failures are folded into the outcome.
func (e *Engine) replay(ctx context.Context, a outbox.Action) (replayOutcome, error) {
	start := e.stages.start()
	var remoteErr error
	var applyErr error
	switch a.Kind {
	case outbox.KindCreate:
		remoteErr, applyErr = e.replayCreate(ctx, a)
	case outbox.KindUpdate:
		remoteErr, applyErr = e.replayUpdate(ctx, a)
	case outbox.KindDelete:
		remoteErr, applyErr = e.replayDelete(ctx, a)
	default:
		return outcomeDead, e.kill(ctx, a, outbox.ReasonRejected, fmt.Errorf("unknown action kind %q", a.Kind))
	}
	e.stages.observe(ctx, MetricsOpSync, stageFor(a.Kind), start, 1, remoteErr != nil || applyErr != nil)

	if applyErr != nil {
		return outcomeAbort, applyErr
	}
	if remoteErr == nil {
		e.events.emit(Event{Type: EventActionSynced, Action: &a})
		return outcomeSynced, nil
	}

	switch {
	case remote.IsTransport(remoteErr) || errors.Is(remoteErr, context.Canceled):
		return outcomeAbort, nil
	case a.Kind == outbox.KindUpdate && remote.IsNotFound(remoteErr):
		return outcomeDead, e.entityMissing(ctx, a, remoteErr)
	case remote.IsRejected(remoteErr):
		e.logger.Warn("Remote rejected action", "seq", a.Seq, "kind", a.Kind, "entity", a.Key(), "error", remoteErr)
		return outcomeDead, e.kill(ctx, a, outbox.ReasonRejected, remoteErr)
	}

	updated, err := e.outbox.IncrementRetry(ctx, a.Seq, remoteErr)
	if err != nil {
		return outcomeAbort, err
	}
	e.events.emit(Event{Type: EventActionFailed, Action: &updated, Err: remoteErr})
	if updated.Status == outbox.StatusDead {
		return outcomeDead, e.afterDead(ctx, updated)
	}
	e.logger.Info("Action will be retried",
		"seq", a.Seq, "entity", a.Key(), "retries", updated.RetryCount, "next_attempt_at", updated.NextAttemptAt)
	return outcomeRetry, nil
}

func (e *Engine) replayCreate(ctx context.Context, a outbox.Action) (remoteErr, applyErr error) {
	entity := e.entity(a.EntityType)
	body, err := withoutID(a.Payload)
	if err != nil {
		return err, nil
	}
	created, err := e.remote.Create(ctx, entity.ResourceName(), a.CorrelationID, body)
	if err != nil {
		return err, nil
	}
	remoteID, err := remote.ExtractID(created)
	if err != nil {
		return err, nil
	}
	serverPayload, err := remote.StripRelations(created, entity.Relations)
	if err != nil {
		return err, nil
	}

	localID := a.EntityID
	applyErr = e.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := e.outbox.MarkSynced(tx, a.Seq, remoteID); err != nil {
			return err
		}
		if remoteID != localID {
			if err := e.outbox.RemapEntity(tx, a.EntityType, localID, remoteID); err != nil {
				return err
			}
			if err := tx.Rename(a.EntityType, localID, remoteID); err != nil {
				return err
			}
			if _, err := tx.ReplaceReferences(localID, remoteID); err != nil {
				return err
			}
		}
		pending, err := e.outbox.PendingKeys(tx, a.EntityType)
		if err != nil {
			return err
		}
		if _, ok := pending[remoteID]; ok {
			// Later local changes stay visible until they replay
			return nil
		}
		return tx.Put(cachestore.Record{Table: a.EntityType, PK: remoteID, Payload: serverPayload})
	})
	if applyErr == nil && remoteID != localID {
		e.logger.Debug("Local id reconciled", "entity", a.EntityType, "local_id", localID, "remote_id", remoteID)
	}
	return nil, ignoreWiped(applyErr)
}

func (e *Engine) replayUpdate(ctx context.Context, a outbox.Action) (remoteErr, applyErr error) {
	entity := e.entity(a.EntityType)
	body, err := withoutID(a.Payload)
	if err != nil {
		return err, nil
	}
	updated, err := e.remote.Update(ctx, entity.ResourceName(), a.EntityID, body)
	if err != nil {
		return err, nil
	}
	applyErr = e.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := e.outbox.MarkSynced(tx, a.Seq, ""); err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		_, err := writeBack(tx, e.outbox, a.EntityType, entity.Relations, []json.RawMessage{updated}, false)
		return err
	})
	return nil, ignoreWiped(applyErr)
}

func (e *Engine) replayDelete(ctx context.Context, a outbox.Action) (remoteErr, applyErr error) {
	entity := e.entity(a.EntityType)
	err := e.remote.Delete(ctx, entity.ResourceName(), a.EntityID)
	if err != nil && !remote.IsNotFound(err) {
		return err, nil
	}
	applyErr = e.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := e.outbox.MarkSynced(tx, a.Seq, ""); err != nil {
			return err
		}
		return tx.Delete(a.EntityType, a.EntityID)
	})
	return nil, ignoreWiped(applyErr)
}

// entityMissing handles an update of an entity deleted remotely. The local
// copy is dropped so it is never resurrected.
func (e *Engine) entityMissing(ctx context.Context, a outbox.Action, cause error) error {
	e.logger.Warn("Remote entity is gone, dropping update", "seq", a.Seq, "entity", a.Key())
	if err := e.kill(ctx, a, outbox.ReasonRemoteEntityMissing, cause); err != nil {
		return err
	}
	return e.store.Delete(ctx, a.EntityType, a.EntityID)
}

func (e *Engine) kill(ctx context.Context, a outbox.Action, reason string, cause error) error {
	if err := e.outbox.MarkDead(ctx, a.Seq, reason, cause); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			return nil
		}
		return err
	}
	a.Status = outbox.StatusDead
	a.DeadReason = reason
	return e.afterDead(ctx, a)
}

// afterDead cascades to later actions of the entity and restores the cached
// row to what the remote holds, since the local change will never land.
func (e *Engine) afterDead(ctx context.Context, a outbox.Action) error {
	n, err := e.outbox.MarkDeadAfter(ctx, a.EntityType, a.EntityID, a.Seq)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Warn("Later actions of entity marked dead", "entity", a.Key(), "count", n)
	}
	if a.DeadReason == outbox.ReasonRemoteEntityMissing {
		return nil
	}
	if a.Kind == outbox.KindCreate {
		dependents, err := e.outbox.MarkDeadReferencing(ctx, a.EntityID, a.Seq)
		if err != nil {
			return err
		}
		for _, d := range dependents {
			e.logger.Warn("Action references an entity that was never created",
				"seq", d.Seq, "entity", d.Key(), "parent", a.Key())
			if err := e.afterDead(ctx, d); err != nil {
				return err
			}
		}
		// never existed remotely
		return e.store.Delete(ctx, a.EntityType, a.EntityID)
	}
	e.restore(ctx, a)
	return nil
}

// restore best-effort refreshes the cached row from the remote
func (e *Engine) restore(ctx context.Context, a outbox.Action) {
	entity := e.entity(a.EntityType)
	payload, err := e.remote.Get(ctx, entity.ResourceName(), a.EntityID)
	if err != nil {
		if remote.IsNotFound(err) {
			_ = e.store.Delete(ctx, a.EntityType, a.EntityID)
			return
		}
		e.logger.Debug("Could not restore cached entity", "entity", a.Key(), "error", err)
		return
	}
	err = e.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		_, err := writeBack(tx, e.outbox, a.EntityType, entity.Relations, []json.RawMessage{payload}, false)
		return err
	})
	if err != nil {
		e.logger.Warn("Failed to restore cached entity", "entity", a.Key(), "error", err)
	}
}

// reportDead surfaces each dead action exactly once
func (e *Engine) reportDead(ctx context.Context) error {
	dead, err := e.outbox.ListUnreported(ctx)
	if err != nil {
		return err
	}
	for i := range dead {
		a := dead[i]
		e.logger.Warn("Queued change permanently failed",
			"seq", a.Seq, "kind", a.Kind, "entity", a.Key(), "reason", a.DeadReason, "error", a.LastError)
		e.events.emit(Event{Type: EventActionDead, Action: &a, Err: errors.New(a.LastError)})
		if err := e.outbox.MarkReported(ctx, a.Seq); err != nil {
			return err
		}
	}
	return nil
}

// scheduleRetry wakes the loop when the earliest deferred action is due
func (e *Engine) scheduleRetry(pending []outbox.Action) {
	var next time.Time
	for _, a := range pending {
		if a.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || a.NextAttemptAt.Before(next) {
			next = a.NextAttemptAt
		}
	}
	if next.IsZero() {
		return
	}
	e.wakeAfter(next.Sub(e.now()))
}

func (e *Engine) wakeAfter(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, e.Wake)
}

func (e *Engine) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) entity(name string) Entity {
	if entity, ok := e.entities[name]; ok {
		return entity
	}
	return Entity{Name: name}
}

// referencesAny reports whether a create or update carries one of ids as a
// string value other than its own id
func referencesAny(a outbox.Action, ids map[string]bool) bool {
	if len(ids) == 0 || a.Kind == outbox.KindDelete {
		return false
	}
	values, err := cachestore.StringValues(a.Payload)
	if err != nil {
		return false
	}
	for _, v := range values {
		if v != a.EntityID && ids[v] {
			return true
		}
	}
	return false
}

func stageFor(kind outbox.Kind) string {
	switch kind {
	case outbox.KindCreate:
		return MetricsStageReplayCreate
	case outbox.KindUpdate:
		return MetricsStageReplayUpdate
	}
	return MetricsStageReplayDelete
}

// ignoreWiped drops the error of an action that vanished because the cache
// was wiped while it was in flight
func ignoreWiped(err error) error {
	if errors.Is(err, outbox.ErrNotFound) {
		return nil
	}
	return err
}

func withoutID(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode action payload: %w", err)
	}
	if _, ok := m["id"]; !ok {
		return payload, nil
	}
	delete(m, "id")
	return json.Marshal(m)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/resourceserver"
	"github.com/stretchr/testify/require"
)

// syncUntilDrained runs passes, advancing the clock past any backoff, until
// the outbox is empty
func (h *harness) syncUntilDrained() SyncReport {
	h.t.Helper()
	var report SyncReport
	for i := 0; i < 10; i++ {
		report = h.sync()
		if report.Complete {
			return report
		}
		h.clock.Advance(time.Minute)
		h.client.Monitor().CheckNow(context.Background())
	}
	h.t.Fatalf("outbox not drained: %+v", report)
	return report
}

func TestOfflineWritesReplayLikeOnlineWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.seed(t, "guardians", resourceserver.Item{"id": "g1", "name": "Bob"})

	h.goOffline()

	created, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Ann","guardian_id":"g1"}`))
	require.NoError(t, err)
	localID := decode(t, created)["id"].(string)

	merged, err := h.client.Update(ctx, "patients", localID, json.RawMessage(`{"age":4}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"`+localID+`","name":"Ann","guardian_id":"g1","age":4}`, string(merged))

	scratch, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Temp"}`))
	require.NoError(t, err)
	require.NoError(t, h.client.Delete(ctx, "patients", decode(t, scratch)["id"].(string)))

	report := h.sync()
	require.True(t, report.Skipped)
	require.Empty(t, h.server.list(t, "patients"))

	// Offline reads see the optimistic state
	res, err := h.client.Get(ctx, "patients", localID)
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, float64(4), decode(t, res.Data)["age"])

	h.goOnline()
	report = h.syncUntilDrained()
	require.Equal(t, 4, report.Synced)
	require.Zero(t, report.Dead)

	remotePatients := h.server.list(t, "patients")
	require.Len(t, remotePatients, 1)
	remoteID := remotePatients[0]["id"].(string)
	require.NotEqual(t, localID, remoteID)
	require.Equal(t, "Ann", remotePatients[0]["name"])
	require.Equal(t, float64(4), remotePatients[0]["age"])
	require.Equal(t, "g1", remotePatients[0]["guardian_id"])

	// The cache is keyed by the remote id and matches the remote
	rec, err := h.client.Store().Get(ctx, "patients", remoteID)
	require.NoError(t, err)
	require.JSONEq(t, mustJSON(t, remotePatients[0]), string(rec.Payload))
	_, err = h.client.Store().Get(ctx, "patients", localID)
	require.ErrorIs(t, err, cachestore.ErrNotFound)
	require.Equal(t, 1, h.count("patients"))

	// The local id keeps working for callers that held on to it
	res, err = h.client.Get(ctx, "patients", localID)
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, remoteID, decode(t, res.Data)["id"])

	pending, err := h.client.Outbox().PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.LastSyncAt.IsZero())
}

func TestCreateIsNotDuplicatedWhenResponseIsLost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"gauze","qty":10}`))
	require.NoError(t, err)

	h.server.dropAfter.Store(1)
	h.syncUntilDrained()

	require.GreaterOrEqual(t, h.server.requestCount("POST /inventory"), 2)
	items := h.server.list(t, "inventory")
	require.Len(t, items, 1)
	require.Equal(t, "gauze", items[0]["name"])
	require.Equal(t, 1, h.count("inventory"))
}

func TestUpdateAfterLostCreateResponseLandsOnTheSameEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	localID := decode(t, created)["id"].(string)

	h.server.dropAfter.Store(1)
	_, err = h.client.Sync(ctx)
	require.NoError(t, err)

	h.goOffline()
	_, err = h.client.Update(ctx, "patients", localID, json.RawMessage(`{"x":"y"}`))
	require.NoError(t, err)

	h.goOnline()
	h.syncUntilDrained()

	patients := h.server.list(t, "patients")
	require.Len(t, patients, 1)
	require.Equal(t, "Ann", patients[0]["name"])
	require.Equal(t, "y", patients[0]["x"])
}

func TestActionGoesDeadAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.fail("/patients", http.StatusInternalServerError)

	created, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	localID := decode(t, created)["id"].(string)

	for attempt := 1; attempt <= 4; attempt++ {
		report := h.sync()
		require.Equal(t, 1, report.Retried, "attempt %d", attempt)
		require.Equal(t, 1, report.Remaining)

		// not due yet
		report = h.sync()
		require.Zero(t, report.Attempted)
		require.Equal(t, 1, report.Deferred)
		h.clock.Advance(time.Minute)
	}

	report := h.sync()
	require.Equal(t, 1, report.Dead)
	require.True(t, report.Complete)

	dead, err := h.client.DeadActions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, outbox.ReasonRetriesExhausted, dead[0].DeadReason)
	require.Equal(t, 5, dead[0].RetryCount)

	// The create never landed, so the optimistic row is gone
	_, err = h.client.Store().Get(ctx, "patients", localID)
	require.ErrorIs(t, err, cachestore.ErrNotFound)

	// Reported exactly once
	h.sync()
	require.Len(t, h.events.ofType(EventActionDead), 1)
	require.Len(t, h.events.ofType(EventActionFailed), 5)
	require.Equal(t, 5, h.server.requestCount("POST /patients"))
}

func TestRejectedActionDiesAndCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.seed(t, "patients", resourceserver.Item{"id": "p1", "name": "Ann"})
	_, err := h.client.WarmCache(ctx, Session{ID: "s1"})
	require.NoError(t, err)

	// clearing a required field is refused with 422
	_, err = h.client.Update(ctx, "patients", "p1", json.RawMessage(`{"name":null}`))
	require.NoError(t, err)
	_, err = h.client.Update(ctx, "patients", "p1", json.RawMessage(`{"age":7}`))
	require.NoError(t, err)

	report := h.sync()
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Dead)
	require.True(t, report.Complete)

	dead, err := h.client.DeadActions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	require.Equal(t, outbox.ReasonRejected, dead[0].DeadReason)
	require.Equal(t, outbox.ReasonPredecessorDead, dead[1].DeadReason)

	// The cached row is restored to the remote state
	rec, err := h.client.Store().Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1","name":"Ann"}`, string(rec.Payload))
	require.Len(t, h.events.ofType(EventActionDead), 2)
}

func TestUpdateOfRemotelyDeletedEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.seed(t, "patients", resourceserver.Item{"id": "p1", "name": "Ann"})
	_, err := h.client.WarmCache(ctx, Session{ID: "s1"})
	require.NoError(t, err)

	require.NoError(t, h.server.backend.Delete(ctx, testUser, "patients", "p1"))
	_, err = h.client.Update(ctx, "patients", "p1", json.RawMessage(`{"age":7}`))
	require.NoError(t, err)

	report := h.sync()
	require.Equal(t, 1, report.Dead)

	dead, err := h.client.DeadActions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, outbox.ReasonRemoteEntityMissing, dead[0].DeadReason)
	require.Equal(t, 0, h.count("patients"))
	require.Empty(t, h.server.list(t, "patients"))
}

func TestDeleteOfMissingEntityCountsAsSynced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.seed(t, "inventory", resourceserver.Item{"id": "i1", "name": "gauze"})
	_, err := h.client.WarmCache(ctx, Session{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, h.server.backend.Delete(ctx, testUser, "inventory", "i1"))

	require.NoError(t, h.client.Delete(ctx, "inventory", "i1"))
	report := h.sync()
	require.Equal(t, 1, report.Synced)
	require.True(t, report.Complete)
	keys, err := h.client.Store().Keys(ctx, "inventory")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFailureBlocksOnlyTheSameEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.server.seed(t, "patients", resourceserver.Item{"id": "p1", "name": "Ann"})
	_, err := h.client.WarmCache(ctx, Session{ID: "s1"})
	require.NoError(t, err)

	h.server.fail("/patients/p1", http.StatusServiceUnavailable)
	_, err = h.client.Update(ctx, "patients", "p1", json.RawMessage(`{"age":1}`))
	require.NoError(t, err)
	_, err = h.client.Update(ctx, "patients", "p1", json.RawMessage(`{"age":2}`))
	require.NoError(t, err)
	_, err = h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"gauze"}`))
	require.NoError(t, err)

	report := h.sync()
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 1, report.Synced)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 2, report.Remaining)

	h.server.fail("", 0)
	h.clock.Advance(time.Minute)
	report = h.sync()
	require.Equal(t, 2, report.Synced)
	require.True(t, report.Complete)
	require.Equal(t, float64(2), h.server.item(t, "patients", "p1")["age"])
}

func TestChildWaitsForParentCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.goOffline()
	patient, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	localPatientID := decode(t, patient)["id"].(string)
	_, err = h.client.Create(ctx, "visits", json.RawMessage(`{"patient_id":"`+localPatientID+`"}`))
	require.NoError(t, err)

	h.goOnline()
	h.server.fail("/patients", http.StatusServiceUnavailable)
	report := h.sync()
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 1, report.Deferred)
	require.Zero(t, report.Synced)
	require.Zero(t, h.server.requestCount("POST /visits"))

	h.server.fail("", 0)
	h.clock.Advance(time.Minute)
	h.syncUntilDrained()

	patients := h.server.list(t, "patients")
	require.Len(t, patients, 1)
	visits := h.server.list(t, "visits")
	require.Len(t, visits, 1)
	require.Equal(t, patients[0]["id"], visits[0]["patient_id"])
	require.NotEqual(t, localPatientID, visits[0]["patient_id"])
}

func TestDeadParentCreateKillsReferencingActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.goOffline()
	patient, err := h.client.Create(ctx, "patients", json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	localPatientID := decode(t, patient)["id"].(string)
	visit, err := h.client.Create(ctx, "visits", json.RawMessage(`{"patient_id":"`+localPatientID+`"}`))
	require.NoError(t, err)
	localVisitID := decode(t, visit)["id"].(string)
	_, err = h.client.Update(ctx, "visits", localVisitID, json.RawMessage(`{"note":"fever"}`))
	require.NoError(t, err)
	_, err = h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"gauze"}`))
	require.NoError(t, err)

	h.goOnline()
	h.server.fail("/patients", http.StatusUnprocessableEntity)
	report := h.sync()
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Dead)
	require.Equal(t, 1, report.Synced)
	require.True(t, report.Complete)
	require.Zero(t, h.server.requestCount("POST /visits"))
	require.Zero(t, h.server.requestCount("PATCH /visits"))

	dead, err := h.client.DeadActions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	require.Equal(t, outbox.ReasonRejected, dead[0].DeadReason)
	require.Equal(t, outbox.ReasonParentDead, dead[1].DeadReason)
	require.Equal(t, outbox.ReasonPredecessorDead, dead[2].DeadReason)
	require.Len(t, h.events.ofType(EventActionDead), 3)

	require.Equal(t, 0, h.count("patients"))
	require.Equal(t, 0, h.count("visits"))
	require.Equal(t, 1, h.count("inventory"))
}

func TestAbortedPassRetriesWithoutConnectivityChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Start(ctx))
	t.Cleanup(h.client.Stop)

	h.server.dropAfter.Store(1)
	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"gauze"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := h.client.Outbox().PendingCount(ctx)
		return err == nil && n == 0
	}, timeout, tick)
	require.True(t, h.client.Monitor().IsOnline())
	require.Len(t, h.server.list(t, "inventory"), 1)
}

func TestConnectionDropAbortsPassWithoutConsumingRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	_, err = h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)

	h.server.down.Store(true)
	report := h.sync()
	require.True(t, report.Aborted)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 2, report.Remaining)

	pending, err := h.client.Outbox().ListPending(ctx)
	require.NoError(t, err)
	for _, a := range pending {
		require.Zero(t, a.RetryCount)
	}

	h.goOnline()
	h.syncUntilDrained()
	require.Len(t, h.server.list(t, "inventory"), 2)
}

func TestPausedAndOfflineSyncIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)

	h.client.PauseSync()
	require.True(t, h.sync().Skipped)
	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.SyncPaused)
	require.Equal(t, 1, st.Pending)

	h.client.ResumeSync()
	h.goOffline()
	require.True(t, h.sync().Skipped)

	h.goOnline()
	require.True(t, h.sync().Complete)
}

func TestSyncEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)

	h.sync()
	started := h.events.ofType(EventSyncStarted)
	require.Len(t, started, 1)
	require.Equal(t, 1, started[0].Pending)

	synced := h.events.ofType(EventActionSynced)
	require.Len(t, synced, 1)
	require.Equal(t, outbox.KindCreate, synced[0].Action.Kind)

	completed := h.events.ofType(EventSyncCompleted)
	require.Len(t, completed, 1)
	require.True(t, completed[0].Sync.Complete)
	require.Zero(t, completed[0].Pending)
}

func TestRunLoopDrainsWhenConnectivityReturns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.goOffline()
	_, err := h.client.Create(ctx, "inventory", json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	require.NoError(t, h.client.Start(ctx))

	h.server.down.Store(false)
	h.client.Monitor().SetPassive(ctx, true)

	require.Eventually(t, func() bool {
		return h.server.backend.Len(testUser, "inventory") == 1
	}, timeout, tick)
	h.client.Stop()
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupOutbox(t *testing.T) (*cachestore.Store, *Outbox, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	store, err := cachestore.Open(ctx, ":memory:", []cachestore.TableSpec{
		{Name: "patients", Version: 1},
		{Name: "guardians", Version: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	ob, err := New(ctx, store, DefaultConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	return store, ob, clock
}

func enqueue(t *testing.T, store *cachestore.Store, ob *Outbox, a NewAction) Action {
	t.Helper()
	var out Action
	err := store.WithTx(context.Background(), func(tx *cachestore.Tx) error {
		var err error
		out, err = ob.Enqueue(tx, a)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestEnqueueIsAtomicWithCacheWrite(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	// Failure after both writes rolls back both
	err := store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := tx.Put(cachestore.Record{Table: "patients", PK: "p1", Payload: json.RawMessage(`{"id":"p1"}`)}); err != nil {
			return err
		}
		if _, err := ob.Enqueue(tx, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "p1"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	n, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = store.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestFIFOOrderAndPeek(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	a1 := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "p1", Payload: json.RawMessage(`{"name":"a"}`)})
	a2 := enqueue(t, store, ob, NewAction{Kind: KindUpdate, EntityType: "patients", EntityID: "p1", Payload: json.RawMessage(`{"name":"b"}`)})
	a3 := enqueue(t, store, ob, NewAction{Kind: KindDelete, EntityType: "guardians", EntityID: "g1"})

	require.Less(t, a1.Seq, a2.Seq)
	require.Less(t, a2.Seq, a3.Seq)
	require.NotEqual(t, a1.CorrelationID, a2.CorrelationID)

	pending, err := ob.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []int64{a1.Seq, a2.Seq, a3.Seq}, []int64{pending[0].Seq, pending[1].Seq, pending[2].Seq})
	require.Equal(t, KindUpdate, pending[1].Kind)
	require.JSONEq(t, `{"name":"b"}`, string(pending[1].Payload))
	require.Nil(t, pending[2].Payload)

	next, ok, err := ob.PeekNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a1.Seq, next.Seq)
}

func TestEnqueueValidates(t *testing.T) {
	store, ob, _ := setupOutbox(t)
	err := store.WithTx(context.Background(), func(tx *cachestore.Tx) error {
		_, err := ob.Enqueue(tx, NewAction{Kind: "PATCH", EntityType: "patients", EntityID: "p1"})
		return err
	})
	require.Error(t, err)
}

func TestBackoffCurve(t *testing.T) {
	_, ob, _ := setupOutbox(t)

	require.Equal(t, time.Duration(0), ob.Backoff(0))
	require.Equal(t, 1*time.Second, ob.Backoff(1))
	require.Equal(t, 2*time.Second, ob.Backoff(2))
	require.Equal(t, 4*time.Second, ob.Backoff(3))
	require.Equal(t, 32*time.Second, ob.Backoff(6))
	require.Equal(t, 60*time.Second, ob.Backoff(7))
	require.Equal(t, 60*time.Second, ob.Backoff(40))
}

func TestIncrementRetryBacksOffThenDies(t *testing.T) {
	ctx := context.Background()
	store, ob, clock := setupOutbox(t)

	a := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "p1"})
	cause := errors.New("server returned status 503")

	for i := 1; i < 5; i++ {
		updated, err := ob.IncrementRetry(ctx, a.Seq, cause)
		require.NoError(t, err)
		require.Equal(t, StatusPending, updated.Status)
		require.Equal(t, i, updated.RetryCount)
		require.True(t, clock.Now().Add(ob.Backoff(i)).Equal(updated.NextAttemptAt))

		// Not due until the backoff elapses
		_, ok, err := ob.PeekNext(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		clock.Advance(ob.Backoff(i))
	}

	dead, err := ob.IncrementRetry(ctx, a.Seq, cause)
	require.NoError(t, err)
	require.Equal(t, StatusDead, dead.Status)
	require.Equal(t, 5, dead.RetryCount)
	require.Equal(t, ReasonRetriesExhausted, dead.DeadReason)
	require.Equal(t, cause.Error(), dead.LastError)

	// Dead actions are excluded from later passes
	pending, err := ob.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	n, err := ob.DeadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeadCascadeAndReporting(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	a1 := enqueue(t, store, ob, NewAction{Kind: KindUpdate, EntityType: "patients", EntityID: "p1"})
	enqueue(t, store, ob, NewAction{Kind: KindUpdate, EntityType: "patients", EntityID: "p1"})
	enqueue(t, store, ob, NewAction{Kind: KindUpdate, EntityType: "patients", EntityID: "p2"})

	require.NoError(t, ob.MarkDead(ctx, a1.Seq, ReasonRemoteEntityMissing, errors.New("404")))
	n, err := ob.MarkDeadAfter(ctx, "patients", "p1", a1.Seq)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	unreported, err := ob.ListUnreported(ctx)
	require.NoError(t, err)
	require.Len(t, unreported, 2)
	require.Equal(t, ReasonRemoteEntityMissing, unreported[0].DeadReason)
	require.Equal(t, ReasonPredecessorDead, unreported[1].DeadReason)

	for _, a := range unreported {
		require.NoError(t, ob.MarkReported(ctx, a.Seq))
	}
	unreported, err = ob.ListUnreported(ctx)
	require.NoError(t, err)
	require.Empty(t, unreported)

	pending, err := ob.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "p2", pending[0].EntityID)
}

func TestMarkSyncedAndPurge(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	a := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "local-1"})
	require.NoError(t, store.WithTx(ctx, func(tx *cachestore.Tx) error {
		return ob.MarkSynced(tx, a.Seq, "srv-1")
	}))

	got, err := ob.Get(ctx, a.Seq)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status)
	require.Equal(t, "srv-1", got.RemoteID)

	// Marking twice is an error: the action is no longer pending
	err = store.WithTx(ctx, func(tx *cachestore.Tx) error {
		return ob.MarkSynced(tx, a.Seq, "")
	})
	require.ErrorIs(t, err, ErrNotFound)

	n, err := ob.PurgeSynced(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = ob.Get(ctx, a.Seq)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemapEntity(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	create := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "guardians", EntityID: "local-g", Payload: json.RawMessage(`{"name":"Gail"}`)})
	update := enqueue(t, store, ob, NewAction{Kind: KindUpdate, EntityType: "guardians", EntityID: "local-g", Payload: json.RawMessage(`{"phone":"1"}`)})
	child := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "local-p", Payload: json.RawMessage(`{"guardian_id":"local-g"}`)})

	require.NoError(t, store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := ob.MarkSynced(tx, create.Seq, "srv-g"); err != nil {
			return err
		}
		return ob.RemapEntity(tx, "guardians", "local-g", "srv-g")
	}))

	got, err := ob.Get(ctx, update.Seq)
	require.NoError(t, err)
	require.Equal(t, "srv-g", got.EntityID)

	got, err = ob.Get(ctx, child.Seq)
	require.NoError(t, err)
	require.JSONEq(t, `{"guardian_id":"srv-g"}`, string(got.Payload))

	remoteID, ok, err := ob.ResolveRemoteID(ctx, "guardians", "local-g")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "srv-g", remoteID)

	require.NoError(t, store.WithTx(ctx, func(tx *cachestore.Tx) error {
		keys, err := ob.PendingKeys(tx, "guardians")
		require.Contains(t, keys, "srv-g")
		require.NotContains(t, keys, "local-g")
		return err
	}))
}

func TestResolveInTxSeesRemapOfSameTransaction(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)
	create := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "local-p", Payload: json.RawMessage(`{"name":"Ann"}`)})

	require.NoError(t, store.WithTx(ctx, func(tx *cachestore.Tx) error {
		_, ok, err := ob.ResolveInTx(tx, "patients", "local-p")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, ob.MarkSynced(tx, create.Seq, "srv-p"))
		require.NoError(t, ob.RemapEntity(tx, "patients", "local-p", "srv-p"))

		remoteID, ok, err := ob.ResolveInTx(tx, "patients", "local-p")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "srv-p", remoteID)
		return nil
	}))
}

func TestMarkDeadReferencing(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	parent := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "guardians", EntityID: "local-g", Payload: json.RawMessage(`{"name":"Gail"}`)})
	child := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "local-p", Payload: json.RawMessage(`{"guardian_id":"local-g"}`)})
	// substring only, not a reference
	other := enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "local-q", Payload: json.RawMessage(`{"note":"local-g2"}`)})

	require.NoError(t, ob.MarkDead(ctx, parent.Seq, ReasonRejected, errors.New("422")))
	killed, err := ob.MarkDeadReferencing(ctx, "local-g", parent.Seq)
	require.NoError(t, err)
	require.Len(t, killed, 1)
	require.Equal(t, child.Seq, killed[0].Seq)
	require.Equal(t, ReasonParentDead, killed[0].DeadReason)

	got, err := ob.Get(ctx, other.Seq)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	killed, err = ob.MarkDeadReferencing(ctx, "local-g", parent.Seq)
	require.NoError(t, err)
	require.Empty(t, killed)
}

func TestWipeClearsOutbox(t *testing.T) {
	ctx := context.Background()
	store, ob, _ := setupOutbox(t)

	enqueue(t, store, ob, NewAction{Kind: KindCreate, EntityType: "patients", EntityID: "p1"})
	require.NoError(t, store.WipeAll(ctx))

	n, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

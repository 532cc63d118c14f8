package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testTables = []TableSpec{
	{Name: "patients", Version: 1},
	{Name: "guardians", Version: 1},
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:", testTables, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func rec(table, pk, payload string) Record {
	return Record{Table: table, PK: pk, Payload: json.RawMessage(payload)}
}

func TestOpenCreatesStoreTables(t *testing.T) {
	store := openTestStore(t)
	db, err := store.SQL()
	require.NoError(t, err)

	for _, table := range []string{"_cache_tables", "_cache_records", "_sync_metadata"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1","name":"Ann"}`)))

	got, err := store.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1","name":"Ann"}`, string(got.Payload))
	require.False(t, got.UpdatedAt.IsZero())

	// Overwrite keeps a single row
	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1","name":"Bo"}`)))
	n, err := store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, store.Delete(ctx, "patients", "p1"))
	_, err = store.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownTableRejected(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.Put(ctx, rec("inventory", "i1", `{}`))
	require.ErrorIs(t, err, ErrUnknownTable)

	_, err = store.Count(ctx, "inventory")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestBulkPutIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.BulkPut(ctx, "patients", []Record{
		rec("", "p1", `{"id":"p1"}`),
		rec("", "p2", `{not json`),
	})
	require.Error(t, err)

	n, err := store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Zero(t, n, "failed bulk put must not leave partial rows")

	require.NoError(t, store.BulkPut(ctx, "patients", []Record{
		rec("", "p1", `{"id":"p1"}`),
		rec("", "p2", `{"id":"p2"}`),
	}))
	n, err = store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestTombstonesAreInvisible(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.BulkPut(ctx, "patients", []Record{
		rec("", "p1", `{"id":"p1"}`),
		rec("", "p2", `{"id":"p2"}`),
	}))
	require.NoError(t, store.MarkDeleted(ctx, "patients", "p1"))

	_, err := store.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := store.Query(ctx, "patients", nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "p2", all[0].PK)

	// Keys still include the tombstone until it is physically removed
	keys, err := store.Keys(ctx, "patients")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p1", "p2"}, keys)
}

func TestQueryPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.BulkPut(ctx, "guardians", []Record{
		rec("", "g3", `{"id":"g3","city":"Oslo"}`),
		rec("", "g1", `{"id":"g1","city":"Rome"}`),
		rec("", "g2", `{"id":"g2","city":"Oslo"}`),
	}))

	oslo, err := store.Query(ctx, "guardians", func(r Record) bool {
		var v struct{ City string }
		_ = json.Unmarshal(r.Payload, &v)
		return v.City == "Oslo"
	})
	require.NoError(t, err)
	require.Len(t, oslo, 2)
	require.Equal(t, "g3", oslo[0].PK)
	require.Equal(t, "g2", oslo[1].PK)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Put(rec("patients", "p1", `{"id":"p1"}`)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRekeyAndReplaceReferences(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Put(ctx, rec("guardians", "local-1", `{"id":"local-1","name":"Gail"}`)))
	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1","guardian_id":"local-1","tags":["local-1","x"]}`)))

	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Rekey("guardians", "local-1", "srv-9", json.RawMessage(`{"id":"srv-9","name":"Gail"}`)); err != nil {
			return err
		}
		n, err := tx.ReplaceReferences("local-1", "srv-9")
		require.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "guardians", "local-1")
	require.ErrorIs(t, err, ErrNotFound)
	g, err := store.Get(ctx, "guardians", "srv-9")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"srv-9","name":"Gail"}`, string(g.Payload))

	p, err := store.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1","guardian_id":"srv-9","tags":["srv-9","x"]}`, string(p.Payload))
}

func TestRenameKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Put(ctx, rec("guardians", "local-1", `{"id":"local-1"}`)))
	require.NoError(t, store.MarkDeleted(ctx, "guardians", "local-1"))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.Rename("guardians", "local-1", "srv-1")
	}))

	keys, err := store.Keys(ctx, "guardians")
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, keys)
	_, err = store.Get(ctx, "guardians", "srv-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, ok, err := store.LastSyncAt(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.MarkSynced(ctx, now))
	got, ok, err := store.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, now.Equal(got))

	complete, err := store.CacheComplete(ctx)
	require.NoError(t, err)
	require.False(t, complete)
	require.NoError(t, store.SetCacheComplete(ctx, true))
	complete, err = store.CacheComplete(ctx)
	require.NoError(t, err)
	require.True(t, complete)

	all, err := store.AllMeta(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestWipeAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.RegisterAuxTable(ctx, AuxTable{
		Name: "_aux_items",
		DDL:  `CREATE TABLE IF NOT EXISTS _aux_items (id INTEGER PRIMARY KEY)`,
	}))
	db, err := store.SQL()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO _aux_items (id) VALUES (1), (2)`)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1"}`)))
	require.NoError(t, store.Put(ctx, rec("guardians", "g1", `{"id":"g1"}`)))
	require.NoError(t, store.SetCacheComplete(ctx, true))

	require.NoError(t, store.WipeAll(ctx))

	for _, spec := range testTables {
		n, err := store.Count(ctx, spec.Name)
		require.NoError(t, err)
		require.Zero(t, n, "table %s", spec.Name)
	}
	meta, err := store.AllMeta(ctx)
	require.NoError(t, err)
	require.Empty(t, meta)

	var aux int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _aux_items`).Scan(&aux))
	require.Zero(t, aux)
}

func TestSchemaVersionChangeClearsTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := Open(ctx, path, testTables)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1"}`)))
	require.NoError(t, store.Put(ctx, rec("guardians", "g1", `{"id":"g1"}`)))
	require.NoError(t, store.Close())

	bumped := []TableSpec{{Name: "patients", Version: 2}, {Name: "guardians", Version: 1}}
	store, err = Open(ctx, path, bumped)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = store.Count(ctx, "guardians")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a sqlite database "), 512), 0o600))

	store, err := Open(ctx, path, testTables)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1"}`)))
	n, err := store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenUnavailableAfterFailedReset(t *testing.T) {
	// A directory cannot be opened as a database file and cannot be removed by the reset
	dir := t.TempDir()
	sub := filepath.Join(dir, "cache.db")
	require.NoError(t, os.Mkdir(sub, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "keep"), []byte("x"), 0o600))

	_, err := Open(context.Background(), sub, testTables)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestResetRecreatesEmptyStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := Open(ctx, path, testTables)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RegisterAuxTable(ctx, AuxTable{
		Name: "_aux_items",
		DDL:  `CREATE TABLE IF NOT EXISTS _aux_items (id INTEGER PRIMARY KEY)`,
	}))
	require.NoError(t, store.Put(ctx, rec("patients", "p1", `{"id":"p1"}`)))

	require.NoError(t, store.Reset(ctx))

	n, err := store.Count(ctx, "patients")
	require.NoError(t, err)
	require.Zero(t, n)

	db, err := store.SQL()
	require.NoError(t, err)
	var aux int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _aux_items`).Scan(&aux))
	require.Zero(t, aux)
}

func TestClosedStore(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "patients", "p1")
	require.ErrorIs(t, err, ErrClosed)
}

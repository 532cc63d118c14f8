// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is a cached copy of one remote entity
type Record struct {
	Table     string
	PK        string
	Payload   json.RawMessage
	UpdatedAt time.Time
	Deleted   bool // tombstone left by an optimistic delete
}

// Predicate filters records in Query. A nil predicate matches everything.
type Predicate func(Record) bool

// Tx is a store transaction. The outbox uses SQL() to enqueue actions in the
// same transaction as the optimistic cache write.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store

	touched []string // hot cache keys to drop after commit
	cleared []string // tables to drop from the hot cache after commit
}

// SQL exposes the raw transaction
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Context returns the context the transaction was started with
func (t *Tx) Context() context.Context { return t.ctx }

// WithTx runs fn inside a single SQLite transaction. The transaction is
// committed if fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	db, err := s.SQL()
	if err != nil {
		return err
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx, store: s}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, table := range tx.cleared {
		s.hot.dropTable(table)
	}
	for _, key := range tx.touched {
		s.hot.drop(key)
	}
	return nil
}

// Get returns a live (non-tombstoned) record
func (s *Store) Get(ctx context.Context, table, pk string) (Record, error) {
	if err := s.checkTable(table); err != nil {
		return Record{}, err
	}
	return s.hot.getOrFetch(ctx, table, pk, func(ctx context.Context) (Record, error) {
		db, err := s.SQL()
		if err != nil {
			return Record{}, err
		}
		return getRecord(ctx, db, table, pk)
	})
}

// Put inserts or replaces a record and clears its tombstone
func (s *Store) Put(ctx context.Context, rec Record) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Put(rec)
	})
}

// BulkPut writes all records in a single transaction. Either every record is
// written or none is.
func (s *Store) BulkPut(ctx context.Context, table string, records []Record) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, rec := range records {
			rec.Table = table
			if err := tx.Put(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete physically removes a record
func (s *Store) Delete(ctx context.Context, table, pk string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Delete(table, pk)
	})
}

// MarkDeleted tombstones a record so reads no longer see it
func (s *Store) MarkDeleted(ctx context.Context, table, pk string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkDeleted(table, pk)
	})
}

// Clear removes every record of a table
func (s *Store) Clear(ctx context.Context, table string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Clear(table)
	})
}

// Count returns the number of live records in a table
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	db, err := s.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _cache_records WHERE table_name = ? AND deleted = 0`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Query returns live records of a table accepted by pred, in insertion order
func (s *Store) Query(ctx context.Context, table string, pred Predicate) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	db, err := s.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT pk, payload, updated_at FROM _cache_records
		WHERE table_name = ? AND deleted = 0
		ORDER BY rowid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var pk, payload string
		var updatedAt int64
		if err := rows.Scan(&pk, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", table, err)
		}
		rec := Record{
			Table:     table,
			PK:        pk,
			Payload:   json.RawMessage(payload),
			UpdatedAt: time.UnixMilli(updatedAt),
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// Keys returns primary keys of all rows in a table, tombstones included
func (s *Store) Keys(ctx context.Context, table string) ([]string, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	db, err := s.SQL()
	if err != nil {
		return nil, err
	}
	return queryKeys(ctx, db, table)
}

// WipeAll removes all cached records, sync metadata and auxiliary table rows
// in one transaction.
func (s *Store) WipeAll(ctx context.Context) error {
	s.mu.RLock()
	aux := make([]AuxTable, len(s.aux))
	copy(aux, s.aux)
	s.mu.RUnlock()

	err := s.WithTx(ctx, func(tx *Tx) error {
		statements := []string{`DELETE FROM _cache_records`, `DELETE FROM _sync_metadata`}
		for _, table := range aux {
			statements = append(statements, `DELETE FROM `+table.Name)
		}
		for _, stmt := range statements {
			if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to wipe local cache: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.hot.purge()
	return nil
}

// Get reads a live record inside the transaction
func (t *Tx) Get(table, pk string) (Record, error) {
	if err := t.store.checkTable(table); err != nil {
		return Record{}, err
	}
	return getRecord(t.ctx, t.tx, table, pk)
}

// Put inserts or replaces a record
func (t *Tx) Put(rec Record) error {
	if err := t.store.checkTable(rec.Table); err != nil {
		return err
	}
	if rec.PK == "" {
		return fmt.Errorf("cachestore: empty primary key for %s", rec.Table)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("cachestore: invalid JSON payload for %s/%s", rec.Table, rec.PK)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO _cache_records (table_name, pk, payload, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (table_name, pk) DO UPDATE SET
			payload = excluded.payload,
			deleted = 0,
			updated_at = excluded.updated_at`,
		rec.Table, rec.PK, string(rec.Payload), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", rec.Table, rec.PK, err)
	}
	t.touched = append(t.touched, hotKey(rec.Table, rec.PK))
	return nil
}

// Delete physically removes a record
func (t *Tx) Delete(table, pk string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM _cache_records WHERE table_name = ? AND pk = ?`, table, pk); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, pk, err)
	}
	t.touched = append(t.touched, hotKey(table, pk))
	return nil
}

// MarkDeleted tombstones a record. Missing records are ignored.
func (t *Tx) MarkDeleted(table, pk string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		UPDATE _cache_records SET deleted = 1, updated_at = ?
		WHERE table_name = ? AND pk = ?`, time.Now().UnixMilli(), table, pk); err != nil {
		return fmt.Errorf("failed to tombstone %s/%s: %w", table, pk, err)
	}
	t.touched = append(t.touched, hotKey(table, pk))
	return nil
}

// Clear removes all records of a table
func (t *Tx) Clear(table string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM _cache_records WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	t.cleared = append(t.cleared, table)
	return nil
}

// Keys returns primary keys of all rows in a table, tombstones included
func (t *Tx) Keys(table string) ([]string, error) {
	if err := t.store.checkTable(table); err != nil {
		return nil, err
	}
	return queryKeys(t.ctx, t.tx, table)
}

// Rekey moves a record to a new primary key, replacing its payload.
func (t *Tx) Rekey(table, from, to string, payload json.RawMessage) error {
	if from == to {
		return t.Put(Record{Table: table, PK: to, Payload: payload})
	}
	if err := t.Delete(table, from); err != nil {
		return err
	}
	return t.Put(Record{Table: table, PK: to, Payload: payload})
}

// Rename moves a row (tombstoned or not) to a new primary key, keeping its
// payload and tombstone flag. An existing row under the new key is replaced.
func (t *Tx) Rename(table, from, to string) error {
	if err := t.store.checkTable(table); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM _cache_records WHERE table_name = ? AND pk = ?`, table, to); err != nil {
		return fmt.Errorf("failed to rename %s/%s: %w", table, from, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE _cache_records SET pk = ? WHERE table_name = ? AND pk = ?`, to, table, from); err != nil {
		return fmt.Errorf("failed to rename %s/%s: %w", table, from, err)
	}
	t.touched = append(t.touched, hotKey(table, from), hotKey(table, to))
	return nil
}

// ReplaceReferences rewrites every string value equal to from into to across
// the payloads of all cached records. It returns the number of records changed.
func (t *Tx) ReplaceReferences(from, to string) (int, error) {
	if from == "" || from == to {
		return 0, nil
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT table_name, pk, payload FROM _cache_records
		WHERE instr(payload, ?) > 0`, from)
	if err != nil {
		return 0, fmt.Errorf("failed to scan references to %s: %w", from, err)
	}
	type change struct {
		table, pk string
		payload   json.RawMessage
	}
	var changes []change
	for rows.Next() {
		var table, pk, payload string
		if err := rows.Scan(&table, &pk, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record: %w", err)
		}
		rewritten, changed, err := ReplaceStrings(json.RawMessage(payload), from, to)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if changed {
			changes = append(changes, change{table: table, pk: pk, payload: rewritten})
		}
	}
	rows.Close()

	for _, c := range changes {
		if _, err := t.tx.ExecContext(t.ctx,
			`UPDATE _cache_records SET payload = ? WHERE table_name = ? AND pk = ?`,
			string(c.payload), c.table, c.pk); err != nil {
			return 0, fmt.Errorf("failed to rewrite %s/%s: %w", c.table, c.pk, err)
		}
		t.touched = append(t.touched, hotKey(c.table, c.pk))
	}
	return len(changes), nil
}

// ReplaceStrings rewrites every JSON string value equal to from into to
func ReplaceStrings(payload json.RawMessage, from, to string) (json.RawMessage, bool, error) {
	if len(payload) == 0 {
		return payload, false, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode payload: %w", err)
	}
	doc, changed := replaceIn(doc, from, to)
	if !changed {
		return payload, false, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, true, nil
}

// StringValues returns every JSON string value in payload, at any depth
func StringValues(payload json.RawMessage) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	var out []string
	collectStrings(doc, &out)
	return out, nil
}

func collectStrings(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		*out = append(*out, val)
	case map[string]any:
		for _, child := range val {
			collectStrings(child, out)
		}
	case []any:
		for _, child := range val {
			collectStrings(child, out)
		}
	}
}

func replaceIn(v any, from, to string) (any, bool) {
	switch val := v.(type) {
	case string:
		if val == from {
			return to, true
		}
	case map[string]any:
		changed := false
		for k, child := range val {
			if nv, ok := replaceIn(child, from, to); ok {
				val[k] = nv
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, child := range val {
			if nv, ok := replaceIn(child, from, to); ok {
				val[i] = nv
				changed = true
			}
		}
		return val, changed
	}
	return v, false
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRecord(ctx context.Context, q queryer, table, pk string) (Record, error) {
	var payload string
	var updatedAt int64
	err := q.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM _cache_records
		WHERE table_name = ? AND pk = ? AND deleted = 0`, table, pk).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, pk)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", table, pk, err)
	}
	return Record{
		Table:     table,
		PK:        pk,
		Payload:   json.RawMessage(payload),
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

func queryKeys(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT pk FROM _cache_records WHERE table_name = ? ORDER BY rowid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", table, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, pk)
	}
	return keys, rows.Err()
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Table is a typed view over one cached table. Values are stored as JSON.
type Table[T any] struct {
	store *Store
	name  string
	key   func(T) string
}

// NewTable returns a typed view over a declared table
func NewTable[T any](store *Store, name string, key func(T) string) (*Table[T], error) {
	if err := store.checkTable(name); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("cachestore: key function required for table %s", name)
	}
	return &Table[T]{store: store, name: name, key: key}, nil
}

// Name returns the table name
func (t *Table[T]) Name() string { return t.name }

// Get returns the value stored under pk
func (t *Table[T]) Get(ctx context.Context, pk string) (T, error) {
	rec, err := t.store.Get(ctx, t.name, pk)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](rec)
}

// Put stores a value
func (t *Table[T]) Put(ctx context.Context, v T) error {
	rec, err := t.Encode(v)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, rec)
}

// PutTx stores a value inside a transaction
func (t *Table[T]) PutTx(tx *Tx, v T) error {
	rec, err := t.Encode(v)
	if err != nil {
		return err
	}
	return tx.Put(rec)
}

// BulkPut stores all values atomically
func (t *Table[T]) BulkPut(ctx context.Context, values []T) error {
	records := make([]Record, 0, len(values))
	for _, v := range values {
		rec, err := t.Encode(v)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return t.store.BulkPut(ctx, t.name, records)
}

// Delete removes the value stored under pk
func (t *Table[T]) Delete(ctx context.Context, pk string) error {
	return t.store.Delete(ctx, t.name, pk)
}

// Clear removes every value
func (t *Table[T]) Clear(ctx context.Context) error {
	return t.store.Clear(ctx, t.name)
}

// Count returns the number of live values
func (t *Table[T]) Count(ctx context.Context) (int, error) {
	return t.store.Count(ctx, t.name)
}

// All returns every live value
func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	return t.Query(ctx, nil)
}

// Query returns values accepted by pred
func (t *Table[T]) Query(ctx context.Context, pred func(T) bool) ([]T, error) {
	records, err := t.store.Query(ctx, t.name, nil)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := Decode[T](rec)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Encode converts v into a record of this table
func (t *Table[T]) Encode(v T) (Record, error) {
	pk := t.key(v)
	if pk == "" {
		return Record{}, fmt.Errorf("cachestore: empty key for %s value", t.name)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s/%s: %w", t.name, pk, err)
	}
	return Record{Table: t.name, PK: pk, Payload: payload}, nil
}

// Decode unmarshals a record payload
func Decode[T any](rec Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s/%s: %w", rec.Table, rec.PK, err)
	}
	return v, nil
}

// Package resourceserver is a reference system of record for the offline
// data layer: a generic JSON resource API with paged lists, equality
// filters, sorting, relation expansion and idempotent creates.
//
// Two storage backends are provided: an in-memory one for tests and demos,
// and a PostgreSQL one built on pgx.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"context"
	"errors"

	"github.com/mobiletoly/go-overcache/remote"
)

var (
	// ErrNotFound is returned when an item does not exist
	ErrNotFound = errors.New("resource item not found")
	// ErrUnknownResource is returned for resources that were not configured
	ErrUnknownResource = errors.New("unknown resource")
)

// Item is one stored JSON object. It always carries a string "id".
type Item = map[string]any

// Backend stores items per owner and resource. List applies filters, sort
// and pagination but not expansion.
type Backend interface {
	List(ctx context.Context, owner, resource string, q remote.ListQuery) (remote.Page[Item], error)
	Get(ctx context.Context, owner, resource, id string) (Item, error)
	// Insert stores item (which already has its id). When idempotencyKey was
	// used before by the owner, the item created then is returned with
	// created=false and nothing is written.
	Insert(ctx context.Context, owner, resource string, item Item, idempotencyKey string) (stored Item, created bool, err error)
	// Update merges the top-level fields of patch into the item
	Update(ctx context.Context, owner, resource, id string, patch Item) (Item, error)
	Delete(ctx context.Context, owner, resource, id string) error
	Ping(ctx context.Context) error
}

func copyItem(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

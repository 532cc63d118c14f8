// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/remote"
)

// Repository is a typed view of one entity. T is decoded from and encoded to
// the entity's JSON representation.
type Repository[T any] struct {
	client *Client
	entity Entity
	local  *cachestore.Table[T]
}

// NewRepository returns a repository for a configured entity
func NewRepository[T any](c *Client, entityName string) (*Repository[T], error) {
	entity, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	local, err := cachestore.NewTable(c.store, entity.Name, entityKey[T])
	if err != nil {
		return nil, err
	}
	return &Repository[T]{client: c, entity: entity, local: local}, nil
}

// Cached returns the cached entities accepted by pred without touching the
// remote API, whatever the connectivity. A nil pred accepts everything.
func (r *Repository[T]) Cached(ctx context.Context, pred func(T) bool) ([]T, error) {
	return r.local.Query(ctx, pred)
}

func entityKey[T any](v T) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	id, err := remote.ExtractID(raw)
	if err != nil {
		return ""
	}
	return id
}

// Get reads one entity through the router
func (r *Repository[T]) Get(ctx context.Context, id string, expand ...string) (Result[T], error) {
	res, err := r.client.Get(ctx, r.entity.Name, id, expand...)
	if err != nil {
		return Result[T]{FromCache: res.FromCache}, err
	}
	out := Result[T]{FromCache: res.FromCache, Degraded: res.Degraded}
	if res.Degraded || len(res.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(res.Data, &out.Data); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", r.entity.Name, err)
	}
	return out, nil
}

// List reads one page through the router
func (r *Repository[T]) List(ctx context.Context, q remote.ListQuery) (Result[remote.Page[T]], error) {
	res, err := r.client.List(ctx, r.entity.Name, q)
	if err != nil {
		return Result[remote.Page[T]]{FromCache: res.FromCache}, err
	}
	page := remote.Page[T]{
		Items:    make([]T, 0, len(res.Data.Items)),
		Page:     res.Data.Page,
		PageSize: res.Data.PageSize,
		Total:    res.Data.Total,
		HasMore:  res.Data.HasMore,
	}
	for _, raw := range res.Data.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return Result[remote.Page[T]]{}, fmt.Errorf("failed to decode %s: %w", r.entity.Name, err)
		}
		page.Items = append(page.Items, v)
	}
	return Result[remote.Page[T]]{Data: page, FromCache: res.FromCache, Degraded: res.Degraded}, nil
}

// Create stores v locally and queues it. The returned value carries the
// assigned local id.
func (r *Repository[T]) Create(ctx context.Context, v T) (T, error) {
	var out T
	payload, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to encode %s: %w", r.entity.Name, err)
	}
	stored, err := r.client.Create(ctx, r.entity.Name, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(stored, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", r.entity.Name, err)
	}
	return out, nil
}

// Update applies a partial update. ok is false when the entity was not cached
// and the update was only queued.
func (r *Repository[T]) Update(ctx context.Context, id string, patch map[string]any) (v T, ok bool, err error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return v, false, fmt.Errorf("failed to encode %s patch: %w", r.entity.Name, err)
	}
	merged, err := r.client.Update(ctx, r.entity.Name, id, payload)
	if err != nil || merged == nil {
		return v, false, err
	}
	if err := json.Unmarshal(merged, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode %s: %w", r.entity.Name, err)
	}
	return v, true, nil
}

// Delete removes an entity locally and queues the removal
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	return r.client.Delete(ctx, r.entity.Name, id)
}

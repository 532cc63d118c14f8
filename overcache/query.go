// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
)

// TableResolver maps an API resource to the cache table holding it
type TableResolver func(resource string) (table string, ok bool)

// CacheResolver resolves relation targets from the cache
func CacheResolver(ctx context.Context, store *cachestore.Store, tables TableResolver) remote.Resolver {
	return func(resource, id string) (map[string]any, bool) {
		table, ok := tables(resource)
		if !ok {
			return nil, false
		}
		rec, err := store.Get(ctx, table, id)
		if err != nil {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return nil, false
		}
		return m, true
	}
}

// QueryPage answers a list query from the cache with the same filtering,
// ordering, pagination envelope and expansion the API applies.
func QueryPage(ctx context.Context, store *cachestore.Store, table string, q remote.ListQuery,
	relations []remote.Relation, resolve remote.Resolver) (remote.Page[json.RawMessage], error) {

	recs, err := store.Query(ctx, table, nil)
	if err != nil {
		return remote.Page[json.RawMessage]{}, err
	}
	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		var m map[string]any
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return remote.Page[json.RawMessage]{}, fmt.Errorf("failed to decode cached %s/%s: %w", table, rec.PK, err)
		}
		items = append(items, m)
	}

	page, err := remote.ApplyQuery(items, q, relations, resolve)
	if err != nil {
		return remote.Page[json.RawMessage]{}, err
	}
	return encodePage(page)
}

// GetExpanded reads one cached entity and embeds the requested relations
func GetExpanded(ctx context.Context, store *cachestore.Store, table, id string, expand []string,
	relations []remote.Relation, resolve remote.Resolver) (json.RawMessage, error) {

	rec, err := store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if len(expand) == 0 {
		return rec.Payload, nil
	}
	var m map[string]any
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode cached %s/%s: %w", table, id, err)
	}
	expanded, err := remote.Expand(m, expand, relations, resolve)
	if err != nil {
		return nil, err
	}
	return json.Marshal(expanded)
}

func encodePage(page remote.Page[map[string]any]) (remote.Page[json.RawMessage], error) {
	out := remote.Page[json.RawMessage]{
		Items:    make([]json.RawMessage, 0, len(page.Items)),
		Page:     page.Page,
		PageSize: page.PageSize,
		Total:    page.Total,
		HasMore:  page.HasMore,
	}
	for _, item := range page.Items {
		b, err := json.Marshal(item)
		if err != nil {
			return remote.Page[json.RawMessage]{}, fmt.Errorf("failed to encode item: %w", err)
		}
		out.Items = append(out.Items, b)
	}
	return out, nil
}

// writeBack stores remote entities in the cache. Rows with pending local
// actions are left alone so an optimistic write is never overwritten by older
// server data. With replace, cached rows the remote no longer returned are
// removed, again except those with pending actions.
func writeBack(tx *cachestore.Tx, ob *outbox.Outbox, table string, relations []remote.Relation,
	items []json.RawMessage, replace bool) (int, error) {

	pending, err := ob.PendingKeys(tx, table)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(items))
	written := 0
	for _, item := range items {
		id, err := remote.ExtractID(item)
		if err != nil {
			return written, fmt.Errorf("%s: %w", table, err)
		}
		seen[id] = true
		if _, ok := pending[id]; ok {
			continue
		}
		payload, err := remote.StripRelations(item, relations)
		if err != nil {
			return written, err
		}
		if err := tx.Put(cachestore.Record{Table: table, PK: id, Payload: payload}); err != nil {
			return written, err
		}
		written++
	}
	if !replace {
		return written, nil
	}

	keys, err := tx.Keys(table)
	if err != nil {
		return written, err
	}
	for _, key := range keys {
		if seen[key] {
			continue
		}
		if _, ok := pending[key]; ok {
			continue
		}
		if err := tx.Delete(table, key); err != nil {
			return written, err
		}
	}
	return written, nil
}

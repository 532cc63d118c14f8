// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/viccon/sturdyc"
)

// HotCacheConfig configures the in-memory layer in front of Get
type HotCacheConfig struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	EvictionInterval   time.Duration
}

// DefaultHotCacheConfig returns a configuration suitable for a mobile-sized cache
func DefaultHotCacheConfig() HotCacheConfig {
	return HotCacheConfig{
		Capacity:           10_000,
		NumShards:          10,
		TTL:                10 * time.Minute,
		EvictionPercentage: 10,
		EvictionInterval:   time.Minute,
	}
}

// hotCache is a thin wrapper over sturdyc. A nil *hotCache is valid and
// simply forwards to the fetch function.
type hotCache struct {
	client *sturdyc.Client[Record]
}

func newHotCache(cfg HotCacheConfig) *hotCache {
	def := DefaultHotCacheConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = def.NumShards
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.EvictionPercentage <= 0 || cfg.EvictionPercentage > 100 {
		cfg.EvictionPercentage = def.EvictionPercentage
	}
	var opts []sturdyc.Option
	if cfg.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(cfg.EvictionInterval))
	}
	return &hotCache{
		client: sturdyc.New[Record](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, opts...),
	}
}

func hotKey(table, pk string) string {
	return table + ":" + pk
}

func (h *hotCache) getOrFetch(ctx context.Context, table, pk string, fetch func(context.Context) (Record, error)) (Record, error) {
	if h == nil {
		return fetch(ctx)
	}
	rec, err := h.client.GetOrFetch(ctx, hotKey(table, pk), fetch)
	if err != nil {
		return Record{}, err
	}
	// callers own the payload they receive
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	return rec, nil
}

func (h *hotCache) drop(key string) {
	if h == nil {
		return
	}
	h.client.Delete(key)
}

func (h *hotCache) dropTable(table string) {
	if h == nil {
		return
	}
	prefix := table + ":"
	for _, key := range h.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			h.client.Delete(key)
		}
	}
}

func (h *hotCache) purge() {
	if h == nil {
		return
	}
	for _, key := range h.client.ScanKeys() {
		h.client.Delete(key)
	}
}

// HotLen reports how many records the hot layer holds, zero when disabled
func (s *Store) HotLen() int {
	if s.hot == nil {
		return 0
	}
	return s.hot.client.Size()
}

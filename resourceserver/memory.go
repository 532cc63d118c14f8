// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mobiletoly/go-overcache/remote"
)

type memoryCollection struct {
	order []string // insertion order
	items map[string]Item
}

type idempotencyRecord struct {
	resource string
	id       string
}

// MemoryBackend keeps items in memory in insertion order
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection // owner + "/" + resource
	idempotency map[string]idempotencyRecord // owner + "/" + key
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		collections: make(map[string]*memoryCollection),
		idempotency: make(map[string]idempotencyRecord),
	}
}

func (m *MemoryBackend) collection(owner, resource string, create bool) *memoryCollection {
	key := owner + "/" + resource
	c, ok := m.collections[key]
	if !ok && create {
		c = &memoryCollection{items: make(map[string]Item)}
		m.collections[key] = c
	}
	return c
}

func (m *MemoryBackend) List(_ context.Context, owner, resource string, q remote.ListQuery) (remote.Page[Item], error) {
	m.mu.RLock()
	var items []Item
	if c := m.collection(owner, resource, false); c != nil {
		items = make([]Item, 0, len(c.order))
		for _, id := range c.order {
			items = append(items, copyItem(c.items[id]))
		}
	}
	m.mu.RUnlock()

	q.Expand = nil
	return remote.ApplyQuery(items, q, nil, nil)
}

func (m *MemoryBackend) Get(_ context.Context, owner, resource, id string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.collection(owner, resource, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	item, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	return copyItem(item), nil
}

func (m *MemoryBackend) Insert(_ context.Context, owner, resource string, item Item, idempotencyKey string) (Item, bool, error) {
	id := remote.ValueString(item["id"])
	if id == "" {
		return nil, false, fmt.Errorf("item has no id")
	}
	normalized, err := normalizeJSON(item)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idempotencyKey != "" {
		if prev, ok := m.idempotency[owner+"/"+idempotencyKey]; ok {
			c := m.collection(owner, prev.resource, false)
			if c != nil {
				if existing, ok := c.items[prev.id]; ok {
					return copyItem(existing), false, nil
				}
			}
			return nil, false, fmt.Errorf("%w: %s/%s", ErrNotFound, prev.resource, prev.id)
		}
	}

	c := m.collection(owner, resource, true)
	if _, exists := c.items[id]; !exists {
		c.order = append(c.order, id)
	}
	c.items[id] = normalized
	if idempotencyKey != "" {
		m.idempotency[owner+"/"+idempotencyKey] = idempotencyRecord{resource: resource, id: id}
	}
	return copyItem(normalized), true, nil
}

func (m *MemoryBackend) Update(_ context.Context, owner, resource, id string, patch Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(owner, resource, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	item, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	merged := copyItem(item)
	for k, v := range patch {
		merged[k] = v
	}
	merged["id"] = id
	normalized, err := normalizeJSON(merged)
	if err != nil {
		return nil, err
	}
	c.items[id] = normalized
	return copyItem(normalized), nil
}

func (m *MemoryBackend) Delete(_ context.Context, owner, resource, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(owner, resource, false)
	if c == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	if _, ok := c.items[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	delete(c.items, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Len returns the number of items an owner has in a resource
func (m *MemoryBackend) Len(owner, resource string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.collection(owner, resource, false); c != nil {
		return len(c.items)
	}
	return 0
}

// normalizeJSON round-trips an item through JSON so stored values have the
// same types a decoded request body has
func normalizeJSON(item Item) (Item, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	var out Item
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return out, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overcache/remote"
)

// ResourceConfig describes one collection served by the API
type ResourceConfig struct {
	Name      string            // URL segment, e.g. "patients"
	Required  []string          // fields a created item must carry
	Relations []remote.Relation // relations that can be expanded with ?expand=
}

// ServiceConfig holds configuration for the resource service
type ServiceConfig struct {
	Resources []ResourceConfig
}

// ValidationError is a request the service refuses as sent
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ResourceService implements the resource API on top of a Backend
type ResourceService struct {
	backend   Backend
	logger    *slog.Logger
	resources map[string]ResourceConfig
}

// NewResourceService creates a service for the configured resources
func NewResourceService(backend Backend, config *ServiceConfig, logger *slog.Logger) (*ResourceService, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config == nil || len(config.Resources) == 0 {
		return nil, fmt.Errorf("at least one resource must be configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ResourceService{
		backend:   backend,
		logger:    logger,
		resources: make(map[string]ResourceConfig, len(config.Resources)),
	}
	for _, rc := range config.Resources {
		if rc.Name == "" || strings.Contains(rc.Name, "/") {
			return nil, fmt.Errorf("invalid resource name %q", rc.Name)
		}
		if _, dup := s.resources[rc.Name]; dup {
			return nil, fmt.Errorf("resource %q configured twice", rc.Name)
		}
		s.resources[rc.Name] = rc
	}
	for _, rc := range config.Resources {
		for _, rel := range rc.Relations {
			if _, ok := s.resources[rel.Resource]; !ok {
				return nil, fmt.Errorf("resource %q: relation %q points to unknown resource %q",
					rc.Name, rel.Name, rel.Resource)
			}
		}
	}
	return s, nil
}

func (s *ResourceService) resource(name string) (ResourceConfig, error) {
	rc, ok := s.resources[name]
	if !ok {
		return ResourceConfig{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return rc, nil
}

// resolver looks up related items of the same owner for expansion
func (s *ResourceService) resolver(ctx context.Context, owner string) remote.Resolver {
	return func(resource, id string) (map[string]any, bool) {
		item, err := s.backend.Get(ctx, owner, resource, id)
		if err != nil {
			return nil, false
		}
		return item, true
	}
}

func checkExpand(rc ResourceConfig, expand []string) error {
	for _, name := range expand {
		found := false
		for _, rel := range rc.Relations {
			if rel.Name == name {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: "expand", Message: fmt.Sprintf("unknown relation %q", name)}
		}
	}
	return nil
}

// List returns one page of an owner's items, with relations expanded
func (s *ResourceService) List(ctx context.Context, owner, resource string, q remote.ListQuery) (remote.Page[Item], error) {
	rc, err := s.resource(resource)
	if err != nil {
		return remote.Page[Item]{}, err
	}
	if err := checkExpand(rc, q.Expand); err != nil {
		return remote.Page[Item]{}, err
	}
	page, err := s.backend.List(ctx, owner, resource, q)
	if err != nil {
		return remote.Page[Item]{}, err
	}
	if len(q.Expand) == 0 {
		return page, nil
	}
	resolve := s.resolver(ctx, owner)
	for i, item := range page.Items {
		if page.Items[i], err = remote.Expand(item, q.Expand, rc.Relations, resolve); err != nil {
			return remote.Page[Item]{}, err
		}
	}
	return page, nil
}

// Get returns one item, with relations expanded
func (s *ResourceService) Get(ctx context.Context, owner, resource, id string, expand []string) (Item, error) {
	rc, err := s.resource(resource)
	if err != nil {
		return nil, err
	}
	if err := checkExpand(rc, expand); err != nil {
		return nil, err
	}
	item, err := s.backend.Get(ctx, owner, resource, id)
	if err != nil {
		return nil, err
	}
	return remote.Expand(item, expand, rc.Relations, s.resolver(ctx, owner))
}

// Create assigns a server id and stores the item. A repeated idempotency key
// returns the item created the first time with created=false.
func (s *ResourceService) Create(ctx context.Context, owner, resource string, item Item, idempotencyKey string) (Item, bool, error) {
	rc, err := s.resource(resource)
	if err != nil {
		return nil, false, err
	}
	item = copyItem(item)
	delete(item, "id")
	for _, rel := range rc.Relations {
		delete(item, rel.Name)
	}
	for _, field := range rc.Required {
		if v, ok := item[field]; !ok || v == nil || v == "" {
			return nil, false, &ValidationError{Field: field, Message: "field is required"}
		}
	}
	item["id"] = uuid.NewString()

	stored, created, err := s.backend.Insert(ctx, owner, resource, item, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Debug("Created item", "resource", resource, "id", stored["id"], "owner", owner)
	} else {
		s.logger.Info("Replayed create", "resource", resource, "id", stored["id"],
			"idempotency_key", idempotencyKey)
	}
	return stored, created, nil
}

// Update merges patch into an existing item. The id and embedded relation
// objects in the patch are ignored.
func (s *ResourceService) Update(ctx context.Context, owner, resource, id string, patch Item) (Item, error) {
	rc, err := s.resource(resource)
	if err != nil {
		return nil, err
	}
	patch = copyItem(patch)
	delete(patch, "id")
	for _, rel := range rc.Relations {
		delete(patch, rel.Name)
	}
	for _, field := range rc.Required {
		if v, ok := patch[field]; ok && (v == nil || v == "") {
			return nil, &ValidationError{Field: field, Message: "field cannot be cleared"}
		}
	}
	return s.backend.Update(ctx, owner, resource, id, patch)
}

// Delete removes an item
func (s *ResourceService) Delete(ctx context.Context, owner, resource, id string) error {
	if _, err := s.resource(resource); err != nil {
		return err
	}
	return s.backend.Delete(ctx, owner, resource, id)
}

// Ping checks the backend
func (s *ResourceService) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

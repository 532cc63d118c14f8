// Package overcache is an offline-first data layer in front of a remote
// resource API.
//
// Reads go through a router that prefers the remote and falls back to the
// local SQLite cache. Writes are applied to the cache optimistically and
// queued in a durable outbox, which the sync engine replays once the API is
// reachable. A prefetcher warms the cache at session start and the lifecycle
// manager wipes it at session end.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
)

var (
	// ErrNotFound means the entity does not exist remotely, or is not cached
	// while offline
	ErrNotFound = errors.New("overcache: not found")

	// ErrPrefetchInProgress is returned when a cache warm is already running
	ErrPrefetchInProgress = errors.New("overcache: prefetch already in progress")

	// ErrSyncInProgress is returned when a drain pass is already running
	ErrSyncInProgress = errors.New("overcache: sync already in progress")

	// ErrOffline is returned by cache warms started while the remote API is
	// unreachable
	ErrOffline = errors.New("overcache: remote API is offline")

	// ErrUnknownEntity is returned for entity names that were not configured
	ErrUnknownEntity = errors.New("overcache: unknown entity")

	// ErrStoreUnavailable means offline features are unavailable because the
	// local store could not be opened or recreated
	ErrStoreUnavailable = cachestore.ErrStoreUnavailable
)

// Entity describes one cached entity type
type Entity struct {
	Name      string            // cache table name and default API resource
	Resource  string            // API resource path segment, defaults to Name
	Version   int               // cache schema version; bumping it clears the table
	Relations []remote.Relation // relations the API can embed with ?expand=
}

// ResourceName returns the API resource for the entity
func (e Entity) ResourceName() string {
	if e.Resource != "" {
		return e.Resource
	}
	return e.Name
}

// PrefetchConfig tunes cache warming
type PrefetchConfig struct {
	BatchSize       int           // parents fetched concurrently per child batch
	InterBatchDelay time.Duration // pause between child batches
}

// Config holds configuration for the offline data layer
type Config struct {
	DatabasePath     string         // SQLite file, or ":memory:"
	BaseURL          string         // remote API root
	HealthPath       string         // probe endpoint, relative to BaseURL
	Entities         []Entity       // cached entity types
	Outbox           *outbox.Config // retry policy for queued writes
	PeriodicInterval time.Duration  // fallback sync schedule
	PollInterval     time.Duration  // connectivity poll interval
	ProbeTimeout     time.Duration  // connectivity probe timeout
	Prefetch         PrefetchConfig
	HotCache         *cachestore.HotCacheConfig // nil disables the in-memory layer

	// Optional stage metrics hook (e.g. Prometheus histograms). Nil disables it.
	StageMetrics StageMetricsRecorder
	// Log per-stage timings at debug level
	LogStageTimings bool
}

// DefaultConfig returns a configuration with the default sync, connectivity
// and prefetch settings for the given entities.
func DefaultConfig(databasePath, baseURL string, entities []Entity) *Config {
	return &Config{
		DatabasePath:     databasePath,
		BaseURL:          baseURL,
		HealthPath:       "/health",
		Entities:         entities,
		Outbox:           outbox.DefaultConfig(),
		PeriodicInterval: 5 * time.Minute,
		PollInterval:     30 * time.Second,
		ProbeTimeout:     3 * time.Second,
		Prefetch: PrefetchConfig{
			BatchSize:       20,
			InterBatchDelay: 250 * time.Millisecond,
		},
	}
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("overcache: DatabasePath must be provided")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("overcache: BaseURL must be provided")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("overcache: at least one entity must be configured")
	}
	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" {
			return fmt.Errorf("overcache: entity name cannot be empty")
		}
		if seen[e.Name] {
			return fmt.Errorf("overcache: duplicate entity %q", e.Name)
		}
		seen[e.Name] = true
	}
	if c.PeriodicInterval < time.Second {
		return fmt.Errorf("overcache: PeriodicInterval must be at least 1s")
	}
	if c.Prefetch.BatchSize <= 0 {
		return fmt.Errorf("overcache: Prefetch.BatchSize must be positive")
	}
	return nil
}

func (c *Config) tableSpecs() []cachestore.TableSpec {
	specs := make([]cachestore.TableSpec, 0, len(c.Entities))
	for _, e := range c.Entities {
		specs = append(specs, cachestore.TableSpec{Name: e.Name, Version: e.Version})
	}
	return specs
}

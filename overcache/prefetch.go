// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
	"go.uber.org/multierr"
)

// Session identifies a signed-in user session
type Session struct {
	ID     string
	UserID string
	Values map[string]string // application specific, passed to collection fetchers
}

// Collection is one set of entities warmed into the cache.
//
// A root collection sets Fetch. A child collection sets Parent and
// FetchForParent, which is called once per cached parent record after the
// parent collection has been warmed.
type Collection struct {
	Name      string
	Table     string   // cache table, defaults to Name
	DependsOn []string // collections that must be warmed first
	Relations []remote.Relation

	Fetch func(ctx context.Context, s Session) ([]json.RawMessage, error)

	Parent         string
	FetchForParent func(ctx context.Context, s Session, parent cachestore.Record) ([]json.RawMessage, error)
}

func (c Collection) table() string {
	if c.Table != "" {
		return c.Table
	}
	return c.Name
}

// PrefetchProgress is reported after each collection and each child batch
type PrefetchProgress struct {
	Collection string
	Index      int // 1-based position of the collection in warm order
	Total      int // number of collections
	Batch      int // child batches done, 0 for root collections
	Batches    int
	Rows       int // rows written to the cache so far for the collection
	Done       bool
	Err        error
}

// PrefetchReport summarizes one warm cycle
type PrefetchReport struct {
	SessionID  string
	Skipped    bool // the session was already warmed
	StartedAt  time.Time
	FinishedAt time.Time
	Rows       map[string]int
	Failed     []string
	Err        error // every collection failure, combined with multierr
}

// Prefetcher warms the cache in dependency order with per-collection
// failure isolation
type Prefetcher struct {
	store       *cachestore.Store
	outbox      *outbox.Outbox
	collections []Collection
	config      PrefetchConfig
	writeMu     *sync.Mutex
	events      *Events
	stages      *stageObserver
	logger      *slog.Logger
	now         func() time.Time

	running    atomic.Bool
	generation atomic.Uint64 // bumped by ResetAll; stale cycles stop writing

	mu     sync.Mutex
	warmed map[string]bool
}

func newPrefetcher(store *cachestore.Store, ob *outbox.Outbox, collections []Collection, config PrefetchConfig,
	writeMu *sync.Mutex, events *Events, stages *stageObserver, logger *slog.Logger) (*Prefetcher, error) {

	ordered, err := orderCollections(store, collections)
	if err != nil {
		return nil, err
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	return &Prefetcher{
		store:       store,
		outbox:      ob,
		collections: ordered,
		config:      config,
		writeMu:     writeMu,
		events:      events,
		stages:      stages,
		logger:      logger,
		now:         time.Now,
		warmed:      make(map[string]bool),
	}, nil
}

// Collections returns the collections in warm order
func (p *Prefetcher) Collections() []Collection {
	out := make([]Collection, len(p.collections))
	copy(out, p.collections)
	return out
}

// WarmCache warms every collection unless this session was already warmed
func (p *Prefetcher) WarmCache(ctx context.Context, s Session) (PrefetchReport, error) {
	return p.warm(ctx, s, false)
}

// WarmCacheForced warms every collection even if the session was warmed
func (p *Prefetcher) WarmCacheForced(ctx context.Context, s Session) (PrefetchReport, error) {
	return p.warm(ctx, s, true)
}

// Warmed reports whether the session completed a warm cycle
func (p *Prefetcher) Warmed(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warmed[sessionID]
}

// ResetSession forgets that a session was warmed
func (p *Prefetcher) ResetSession(sessionID string) {
	p.mu.Lock()
	delete(p.warmed, sessionID)
	p.mu.Unlock()
}

// ResetAll forgets every session. A cycle still running keeps fetching but
// no longer writes to the cache.
func (p *Prefetcher) ResetAll() {
	p.mu.Lock()
	p.warmed = make(map[string]bool)
	p.mu.Unlock()
	p.generation.Add(1)
}

// Running reports whether a warm cycle is in progress
func (p *Prefetcher) Running() bool { return p.running.Load() }

func (p *Prefetcher) warm(ctx context.Context, s Session, force bool) (PrefetchReport, error) {
	if !force && p.Warmed(s.ID) {
		p.logger.Debug("Cache already warmed for session", "session", s.ID)
		return PrefetchReport{SessionID: s.ID, Skipped: true}, nil
	}
	if !p.running.CompareAndSwap(false, true) {
		return PrefetchReport{}, ErrPrefetchInProgress
	}
	defer p.running.Store(false)

	gen := p.generation.Load()
	report := PrefetchReport{
		SessionID: s.ID,
		StartedAt: p.now(),
		Rows:      make(map[string]int, len(p.collections)),
	}
	totalStart := p.stages.start()
	p.logger.Info("Cache warm started", "session", s.ID, "collections", len(p.collections))

	for i, c := range p.collections {
		rows, err := p.runCollection(ctx, s, c, gen, i+1)
		report.Rows[c.Name] = rows
		if err != nil {
			p.logger.Warn("Prefetch collection failed", "collection", c.Name, "error", err)
			report.Failed = append(report.Failed, c.Name)
			report.Err = multierr.Append(report.Err, fmt.Errorf("%s: %w", c.Name, err))
		}
	}

	report.FinishedAt = p.now()
	if err := p.finish(ctx, s, gen, report); err != nil {
		p.stages.observe(ctx, MetricsOpPrefetch, MetricsStageTotal, totalStart, len(p.collections), true)
		return report, err
	}
	p.stages.observe(ctx, MetricsOpPrefetch, MetricsStageTotal, totalStart, len(p.collections), report.Err != nil)

	p.logger.Info("Cache warm finished",
		"session", s.ID, "failed", len(report.Failed), "duration", report.FinishedAt.Sub(report.StartedAt))
	p.events.emit(Event{Type: EventPrefetchCompleted, Prefetch: &report, Err: report.Err})
	return report, nil
}

// finish records completeness. Nothing is recorded when the cache was wiped
// while the cycle ran.
func (p *Prefetcher) finish(ctx context.Context, s Session, gen uint64, report PrefetchReport) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.generation.Load() != gen {
		p.logger.Info("Cache was wiped during warm, discarding completion", "session", s.ID)
		return nil
	}
	err := p.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := tx.SetMeta(cachestore.MetaCacheComplete, "true"); err != nil {
			return err
		}
		if err := tx.SetMeta(cachestore.MetaLastPrefetchAt, report.FinishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		if err := tx.SetMeta(cachestore.MetaPrefetchFailed, strings.Join(report.Failed, ",")); err != nil {
			return err
		}
		return tx.SetMeta(cachestore.MetaLastPrefetchSession, s.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to record prefetch completion: %w", err)
	}

	p.mu.Lock()
	p.warmed[s.ID] = true
	p.mu.Unlock()
	return nil
}

func (p *Prefetcher) runCollection(ctx context.Context, s Session, c Collection, gen uint64, index int) (int, error) {
	start := p.stages.start()
	progress := PrefetchProgress{Collection: c.Name, Index: index, Total: len(p.collections)}

	var items []json.RawMessage
	var fetchErr error
	if c.Parent != "" {
		items, fetchErr = p.fetchChildren(ctx, s, c, &progress)
	} else {
		items, fetchErr = c.Fetch(ctx, s)
		if fetchErr != nil {
			items = nil
		}
	}

	rows := 0
	var err error
	if len(items) > 0 || fetchErr == nil {
		// A complete fetch replaces the table; a partial one only upserts
		rows, err = p.persist(ctx, c, gen, items, fetchErr == nil)
	}
	err = multierr.Append(fetchErr, err)
	p.stages.observe(ctx, MetricsOpPrefetch, MetricsStageCollection, start, rows, err != nil)

	progress.Rows = rows
	progress.Done = true
	progress.Err = err
	p.events.emit(Event{Type: EventPrefetchProgress, Progress: &progress, Err: err})
	return rows, err
}

func (p *Prefetcher) fetchChildren(ctx context.Context, s Session, c Collection, progress *PrefetchProgress) ([]json.RawMessage, error) {
	parent, ok := p.find(c.Parent)
	if !ok {
		return nil, fmt.Errorf("unknown parent collection %q", c.Parent)
	}
	parents, err := p.store.Query(ctx, parent.table(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read parents from %s: %w", parent.table(), err)
	}

	size := p.config.BatchSize
	progress.Batches = (len(parents) + size - 1) / size

	var items []json.RawMessage
	var errs error
	for b := 0; b < len(parents); b += size {
		if b > 0 {
			if err := sleepWithContext(ctx, p.config.InterBatchDelay); err != nil {
				return items, multierr.Append(errs, err)
			}
		}
		batch := parents[b:min(b+size, len(parents))]
		results := make([][]json.RawMessage, len(batch))
		failures := make([]error, len(batch))

		var wg sync.WaitGroup
		for i, rec := range batch {
			wg.Add(1)
			go func(i int, rec cachestore.Record) {
				defer wg.Done()
				results[i], failures[i] = c.FetchForParent(ctx, s, rec)
			}(i, rec)
		}
		wg.Wait()

		for i, rec := range batch {
			if failures[i] != nil {
				errs = multierr.Append(errs, fmt.Errorf("parent %s: %w", rec.PK, failures[i]))
				continue
			}
			items = append(items, results[i]...)
		}
		progress.Batch++
		progress.Rows = len(items)
		p.events.emit(Event{Type: EventPrefetchProgress, Progress: ptr(*progress)})
	}
	return items, errs
}

func (p *Prefetcher) persist(ctx context.Context, c Collection, gen uint64, items []json.RawMessage, replace bool) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.generation.Load() != gen {
		return 0, fmt.Errorf("cache was wiped during prefetch")
	}

	start := p.stages.start()
	var written int
	err := p.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		var err error
		written, err = writeBack(tx, p.outbox, c.table(), c.Relations, items, replace)
		return err
	})
	p.stages.observe(ctx, MetricsOpPrefetch, MetricsStagePersist, start, written, err != nil)
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (p *Prefetcher) find(name string) (Collection, bool) {
	for _, c := range p.collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// orderCollections validates collections and sorts them so every collection
// comes after its dependencies. Declaration order is kept otherwise.
func orderCollections(store *cachestore.Store, collections []Collection) ([]Collection, error) {
	tables := make(map[string]bool)
	for _, spec := range store.Tables() {
		tables[spec.Name] = true
	}

	byName := make(map[string]Collection, len(collections))
	for _, c := range collections {
		if c.Name == "" {
			return nil, fmt.Errorf("prefetch: collection name cannot be empty")
		}
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("prefetch: duplicate collection %q", c.Name)
		}
		if !tables[c.table()] {
			return nil, fmt.Errorf("prefetch: collection %q uses unknown table %q", c.Name, c.table())
		}
		switch {
		case c.Parent == "" && c.Fetch == nil:
			return nil, fmt.Errorf("prefetch: collection %q has no Fetch", c.Name)
		case c.Parent != "" && c.FetchForParent == nil:
			return nil, fmt.Errorf("prefetch: collection %q has a Parent but no FetchForParent", c.Name)
		}
		if c.Parent != "" && !contains(c.DependsOn, c.Parent) {
			c.DependsOn = append(append([]string(nil), c.DependsOn...), c.Parent)
		}
		byName[c.Name] = c
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(collections))
	ordered := make([]Collection, 0, len(collections))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		c, ok := byName[name]
		if !ok {
			return fmt.Errorf("prefetch: %q depends on unknown collection %q", path[len(path)-1], name)
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("prefetch: dependency cycle %s -> %s", strings.Join(path, " -> "), name)
		}
		state[name] = visiting
		for _, dep := range c.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, c)
		return nil
	}
	for _, c := range collections {
		if err := visit(c.Name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// ListCollection warms a whole API resource into the entity's table
func ListCollection(rc *remote.Client, entity Entity, q remote.ListQuery, dependsOn ...string) Collection {
	return Collection{
		Name:      entity.Name,
		DependsOn: dependsOn,
		Relations: entity.Relations,
		Fetch: func(ctx context.Context, _ Session) ([]json.RawMessage, error) {
			return rc.ListAll(ctx, entity.ResourceName(), q)
		},
	}
}

// ChildListCollection warms the entities whose field references each cached
// record of the parent collection, e.g. visits by patient_id.
func ChildListCollection(rc *remote.Client, entity Entity, parent, field string) Collection {
	return Collection{
		Name:      entity.Name,
		Relations: entity.Relations,
		Parent:    parent,
		FetchForParent: func(ctx context.Context, _ Session, rec cachestore.Record) ([]json.RawMessage, error) {
			q := remote.ListQuery{PageSize: remote.MaxPageSize, Filters: map[string]string{field: rec.PK}}
			return rc.ListAll(ctx, entity.ResourceName(), q)
		},
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }

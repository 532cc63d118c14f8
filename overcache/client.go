// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/connectivity"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
)

// Client is the offline-first data layer. Reads go through the router, writes
// are applied to the cache and queued for the sync engine.
type Client struct {
	config    *Config
	logger    *slog.Logger
	entities  map[string]Entity
	resources map[string]string // API resource -> entity name

	store      *cachestore.Store
	outbox     *outbox.Outbox
	remote     *remote.Client
	monitor    *connectivity.Monitor
	router     *Router
	prefetcher *Prefetcher
	engine     *Engine
	lifecycle  *Lifecycle
	events     *Events
	writeMu    sync.Mutex // serializes sync, prefetch writes and wipes

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	bg      sync.WaitGroup
}

// CollectionsFunc builds the prefetch collections using the client's API client
type CollectionsFunc func(rc *remote.Client) []Collection

type clientOptions struct {
	logger      *slog.Logger
	httpClient  *http.Client
	prober      connectivity.Prober
	passive     <-chan bool
	trigger     BackgroundTrigger
	collections CollectionsFunc
	clock       func() time.Time
}

// Option customises a Client
type Option func(*clientOptions)

// WithLogger sets the logger used by every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithHTTPClient sets the HTTP client for API calls and probes
func WithHTTPClient(h *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = h }
}

// WithProber replaces the default health endpoint probe
func WithProber(p connectivity.Prober) Option {
	return func(o *clientOptions) { o.prober = p }
}

// WithPassiveSource feeds platform reachability signals to the monitor
func WithPassiveSource(ch <-chan bool) Option {
	return func(o *clientOptions) { o.passive = ch }
}

// WithBackgroundTrigger wakes the sync engine from a platform scheduler
func WithBackgroundTrigger(t BackgroundTrigger) Option {
	return func(o *clientOptions) { o.trigger = t }
}

// WithCollections sets the prefetch collections. By default every entity is
// warmed in full with no dependencies.
func WithCollections(fn CollectionsFunc) Option {
	return func(o *clientOptions) { o.collections = fn }
}

// WithClock overrides the clock used for outbox timestamps and backoff
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.clock = now }
}

// NewClient opens the local store and wires every component. A store that
// cannot be opened even after a reset yields ErrStoreUnavailable.
func NewClient(ctx context.Context, config *Config, token remote.TokenFunc, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("overcache: config must be provided")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	o := clientOptions{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	c := &Client{
		config:    config,
		logger:    logger,
		entities:  make(map[string]Entity, len(config.Entities)),
		resources: make(map[string]string, len(config.Entities)),
		events:    newEvents(),
	}
	for _, e := range config.Entities {
		c.entities[e.Name] = e
		c.resources[e.ResourceName()] = e.Name
	}

	storeOpts := []cachestore.Option{cachestore.WithLogger(logger)}
	if config.HotCache != nil {
		storeOpts = append(storeOpts, cachestore.WithHotCache(*config.HotCache))
	}
	store, err := cachestore.Open(ctx, config.DatabasePath, config.tableSpecs(), storeOpts...)
	if err != nil {
		logger.Error("Offline features unavailable", "path", config.DatabasePath, "error", err)
		return nil, err
	}
	c.store = store

	c.outbox, err = outbox.New(ctx, store, config.Outbox, outbox.WithLogger(logger), outbox.WithClock(o.clock))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	remoteOpts := []remote.Option{remote.WithLogger(logger)}
	if o.httpClient != nil {
		remoteOpts = append(remoteOpts, remote.WithHTTPClient(o.httpClient))
	}
	c.remote = remote.NewClient(config.BaseURL, token, remoteOpts...)

	prober := o.prober
	if prober == nil {
		prober = &connectivity.HTTPProber{
			URL:    strings.TrimRight(config.BaseURL, "/") + config.HealthPath,
			Client: o.httpClient,
		}
	}
	c.monitor = connectivity.New(prober,
		connectivity.WithPollInterval(config.PollInterval),
		connectivity.WithProbeTimeout(config.ProbeTimeout),
		connectivity.WithPassiveSource(o.passive),
		connectivity.WithLogger(logger),
	)
	c.monitor.OnChange(func(online bool) {
		c.events.emit(Event{Type: EventConnectivity, Online: online})
	})

	stages := &stageObserver{recorder: config.StageMetrics, logAll: config.LogStageTimings, logger: logger}
	c.router = NewRouter(c.monitor, logger)
	c.router.stages = stages

	var collections []Collection
	if o.collections != nil {
		collections = o.collections(c.remote)
	} else {
		for _, e := range config.Entities {
			collections = append(collections, ListCollection(c.remote, e, remote.ListQuery{PageSize: remote.MaxPageSize}))
		}
	}
	c.prefetcher, err = newPrefetcher(store, c.outbox, collections, config.Prefetch, &c.writeMu, c.events, stages, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.prefetcher.now = o.clock

	c.engine = newEngine(store, c.outbox, c.remote, c.monitor, c.entities, &c.writeMu, c.events, stages, logger)
	c.engine.interval = config.PeriodicInterval
	c.engine.trigger = o.trigger
	c.engine.now = o.clock

	c.lifecycle = newLifecycle(store, c.outbox, c.prefetcher, &c.writeMu, c.events, logger)
	return c, nil
}

// Start runs the connectivity monitor and the sync loop in the background
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("overcache: client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.running.Add(2)
	go func() {
		defer c.running.Done()
		c.monitor.Start(runCtx)
	}()
	go func() {
		defer c.running.Done()
		if err := c.engine.Run(runCtx); err != nil {
			c.logger.Error("Sync loop stopped", "error", err)
		}
	}()
	return nil
}

// Stop stops the background loops. A sync pass in flight finishes first.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.running.Wait()
}

// Close stops the client, waits for background work and closes the store
func (c *Client) Close() error {
	c.Stop()
	c.bg.Wait()
	return c.store.Close()
}

// Subscribe registers an event handler. Handlers must not block.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Store returns the local cache store
func (c *Client) Store() *cachestore.Store { return c.store }

// Outbox returns the queue of unsynced writes
func (c *Client) Outbox() *outbox.Outbox { return c.outbox }

// Remote returns the API client
func (c *Client) Remote() *remote.Client { return c.remote }

// Monitor returns the connectivity monitor
func (c *Client) Monitor() *connectivity.Monitor { return c.monitor }

func (c *Client) Router() *Router { return c.router }

func (c *Client) Engine() *Engine { return c.engine }

func (c *Client) Prefetcher() *Prefetcher { return c.prefetcher }

func (c *Client) Lifecycle() *Lifecycle { return c.lifecycle }

// Entity returns a configured entity by name
func (c *Client) Entity(name string) (Entity, bool) {
	e, ok := c.entities[name]
	return e, ok
}

// SessionStarted warms the cache for the session in the background
func (c *Client) SessionStarted(ctx context.Context, s Session) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		report, err := c.WarmCache(context.WithoutCancel(ctx), s)
		switch {
		case errors.Is(err, ErrPrefetchInProgress):
			c.logger.Debug("Cache warm already running", "session", s.ID)
		case errors.Is(err, ErrOffline):
			c.logger.Info("Cache warm skipped while offline", "session", s.ID)
		case err != nil:
			c.logger.Error("Cache warm failed", "session", s.ID, "error", err)
		case report.Err != nil:
			c.logger.Warn("Cache warm finished with failures", "session", s.ID, "failed", report.Failed)
		}
	}()
	c.engine.Wake()
}

// SessionEnded wipes all local data
func (c *Client) SessionEnded(ctx context.Context) error {
	return c.lifecycle.WipeAll(ctx)
}

// WarmCache warms the cache now unless the session was already warmed.
// It returns ErrOffline when the remote API is unreachable.
func (c *Client) WarmCache(ctx context.Context, s Session) (PrefetchReport, error) {
	if !c.monitor.IsOnline() {
		return PrefetchReport{SessionID: s.ID}, ErrOffline
	}
	return c.prefetcher.WarmCache(ctx, s)
}

// WarmCacheForced warms the cache now regardless of the session guard
func (c *Client) WarmCacheForced(ctx context.Context, s Session) (PrefetchReport, error) {
	if !c.monitor.IsOnline() {
		return PrefetchReport{SessionID: s.ID}, ErrOffline
	}
	return c.prefetcher.WarmCacheForced(ctx, s)
}

// Sync runs one drain pass now
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	return c.engine.Drain(ctx)
}

// PauseSync stops replaying queued writes until ResumeSync
func (c *Client) PauseSync() { c.engine.Pause() }

// ResumeSync resumes replaying queued writes and wakes the engine
func (c *Client) ResumeSync() {
	c.engine.Resume()
	c.engine.Wake()
}

// Status reports data freshness
type Status struct {
	Online            bool
	SyncPaused        bool
	Pending           int
	Dead              int
	LastSyncAt        time.Time
	LastPrefetchAt    time.Time
	CacheComplete     bool
	FailedCollections []string
}

// Status returns the current freshness report
func (c *Client) Status(ctx context.Context) (Status, error) {
	st := Status{Online: c.monitor.IsOnline(), SyncPaused: c.engine.paused.Load()}
	var err error
	if st.Pending, err = c.outbox.PendingCount(ctx); err != nil {
		return st, err
	}
	if st.Dead, err = c.outbox.DeadCount(ctx); err != nil {
		return st, err
	}
	if st.LastSyncAt, _, err = c.store.LastSyncAt(ctx); err != nil {
		return st, err
	}
	if st.LastPrefetchAt, _, err = c.store.LastPrefetchAt(ctx); err != nil {
		return st, err
	}
	if st.CacheComplete, err = c.store.CacheComplete(ctx); err != nil {
		return st, err
	}
	failed, _, err := c.store.GetMeta(ctx, cachestore.MetaPrefetchFailed)
	if err != nil {
		return st, err
	}
	if failed != "" {
		st.FailedCollections = strings.Split(failed, ",")
	}
	return st, nil
}

// DeadActions lists queued writes that permanently failed
func (c *Client) DeadActions(ctx context.Context) ([]outbox.Action, error) {
	return c.outbox.ListDead(ctx)
}

// Get reads one entity. Entities with unsynced local changes are always
// served from the cache.
func (c *Client) Get(ctx context.Context, entityName, id string, expand ...string) (Result[json.RawMessage], error) {
	entity, err := c.entity(entityName)
	if err != nil {
		return Result[json.RawMessage]{}, err
	}
	id = c.readID(ctx, entity.Name, id)

	rt := ReadThrough[json.RawMessage]{
		Name: entity.Name + "/" + id,
		Cache: func(ctx context.Context) (json.RawMessage, error) {
			return GetExpanded(ctx, c.store, entity.Name, id, expand, entity.Relations, c.resolver(ctx))
		},
	}
	local, err := c.outbox.HasPending(ctx, entity.Name, id, 0)
	if err != nil {
		c.logger.Warn("Failed to check pending actions", "entity", entity.Name, "id", id, "error", err)
	}
	if !local {
		rt.Remote = func(ctx context.Context) (json.RawMessage, error) {
			return c.remote.Get(ctx, entity.ResourceName(), id, expand...)
		}
		rt.Persist = func(ctx context.Context, v json.RawMessage) error {
			return c.persist(ctx, entity, []json.RawMessage{v})
		}
	}
	return Fetch(ctx, c.router, rt)
}

// List reads one page of an entity collection
func (c *Client) List(ctx context.Context, entityName string, q remote.ListQuery) (Result[remote.Page[json.RawMessage]], error) {
	entity, err := c.entity(entityName)
	if err != nil {
		return Result[remote.Page[json.RawMessage]]{}, err
	}
	q = q.Normalized()
	return Fetch(ctx, c.router, ReadThrough[remote.Page[json.RawMessage]]{
		Name: entity.Name,
		Remote: func(ctx context.Context) (remote.Page[json.RawMessage], error) {
			return c.remote.List(ctx, entity.ResourceName(), q)
		},
		Cache: func(ctx context.Context) (remote.Page[json.RawMessage], error) {
			return QueryPage(ctx, c.store, entity.Name, q, entity.Relations, c.resolver(ctx))
		},
		Persist: func(ctx context.Context, page remote.Page[json.RawMessage]) error {
			return c.persist(ctx, entity, page.Items)
		},
		Empty: func() remote.Page[json.RawMessage] {
			return remote.Page[json.RawMessage]{Items: []json.RawMessage{}, Page: q.Page, PageSize: q.PageSize}
		},
	})
}

// Create stores a new entity locally and queues it for the remote. The
// entity gets a local id unless the payload carries one; the id is replaced
// by the remote id once the create is replayed.
func (c *Client) Create(ctx context.Context, entityName string, payload json.RawMessage) (json.RawMessage, error) {
	entity, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	m, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	id := remote.ValueString(m["id"])
	if id == "" {
		id = uuid.NewString()
		m["id"] = id
	}
	for _, rel := range entity.Relations {
		delete(m, rel.Name)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", entity.Name, err)
	}

	err = c.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if err := tx.Put(cachestore.Record{Table: entity.Name, PK: id, Payload: body}); err != nil {
			return err
		}
		_, err := c.outbox.Enqueue(tx, outbox.NewAction{
			Kind:       outbox.KindCreate,
			EntityType: entity.Name,
			EntityID:   id,
			Payload:    body,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.engine.Wake()
	return body, nil
}

// Update merges patch into the cached entity and queues it for the remote.
// It returns the merged entity, or nil when the entity is not cached.
func (c *Client) Update(ctx context.Context, entityName, id string, patch json.RawMessage) (json.RawMessage, error) {
	entity, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	m, err := decodeObject(patch)
	if err != nil {
		return nil, err
	}
	delete(m, "id")
	for _, rel := range entity.Relations {
		delete(m, rel.Name)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s patch: %w", entity.Name, err)
	}

	var merged json.RawMessage
	err = c.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		id, err := c.resolveID(tx, entity.Name, id)
		if err != nil {
			return err
		}
		rec, err := tx.Get(entity.Name, id)
		switch {
		case err == nil:
			merged, err = mergePatch(rec.Payload, m)
			if err != nil {
				return err
			}
			if err := tx.Put(cachestore.Record{Table: entity.Name, PK: id, Payload: merged}); err != nil {
				return err
			}
		case errors.Is(err, cachestore.ErrNotFound):
			// not cached: only queue it
		default:
			return err
		}
		_, err = c.outbox.Enqueue(tx, outbox.NewAction{
			Kind:       outbox.KindUpdate,
			EntityType: entity.Name,
			EntityID:   id,
			Payload:    body,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.engine.Wake()
	return merged, nil
}

// Delete hides the entity locally and queues its removal
func (c *Client) Delete(ctx context.Context, entityName, id string) error {
	entity, err := c.entity(entityName)
	if err != nil {
		return err
	}
	err = c.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		id, err := c.resolveID(tx, entity.Name, id)
		if err != nil {
			return err
		}
		if err := tx.MarkDeleted(entity.Name, id); err != nil {
			return err
		}
		_, err = c.outbox.Enqueue(tx, outbox.NewAction{
			Kind:       outbox.KindDelete,
			EntityType: entity.Name,
			EntityID:   id,
		})
		return err
	})
	if err != nil {
		return err
	}
	c.engine.Wake()
	return nil
}

func (c *Client) entity(name string) (Entity, error) {
	e, ok := c.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return e, nil
}

// resolveID maps a local id to the remote id once its create has synced.
// It runs in the write transaction so a concurrent remap cannot slip between
// the lookup and the enqueue.
func (c *Client) resolveID(tx *cachestore.Tx, entityName, id string) (string, error) {
	remoteID, ok, err := c.outbox.ResolveInTx(tx, entityName, id)
	if err != nil {
		return "", err
	}
	if ok {
		return remoteID, nil
	}
	return id, nil
}

// readID is resolveID for reads, where a stale answer only costs a lookup
func (c *Client) readID(ctx context.Context, entityName, id string) string {
	remoteID, ok, err := c.outbox.ResolveRemoteID(ctx, entityName, id)
	if err != nil {
		c.logger.Warn("Failed to resolve id", "entity", entityName, "id", id, "error", err)
		return id
	}
	if ok {
		return remoteID
	}
	return id
}

func (c *Client) resolver(ctx context.Context) remote.Resolver {
	return CacheResolver(ctx, c.store, func(resource string) (string, bool) {
		name, ok := c.resources[resource]
		return name, ok
	})
}

// persist writes remote results to the cache, including embedded relation
// objects whose resource is a cached entity
func (c *Client) persist(ctx context.Context, entity Entity, items []json.RawMessage) error {
	related := make(map[string][]json.RawMessage)
	for _, rel := range entity.Relations {
		table, ok := c.resources[rel.Resource]
		if !ok {
			continue
		}
		for _, item := range items {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(item, &m); err != nil {
				return fmt.Errorf("failed to decode %s: %w", entity.Name, err)
			}
			if embedded, ok := m[rel.Name]; ok && len(embedded) > 0 && embedded[0] == '{' {
				related[table] = append(related[table], embedded)
			}
		}
	}

	return c.store.WithTx(ctx, func(tx *cachestore.Tx) error {
		if _, err := writeBack(tx, c.outbox, entity.Name, entity.Relations, items, false); err != nil {
			return err
		}
		for table, objs := range related {
			if _, err := writeBack(tx, c.outbox, table, c.entities[table].Relations, objs, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("overcache: payload must be a JSON object: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("overcache: payload must be a JSON object")
	}
	return m, nil
}

// mergePatch applies top-level fields of patch to the payload
func mergePatch(payload json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	current, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		current[k] = v
	}
	return json.Marshal(current)
}

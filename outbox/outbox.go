// Package outbox is the durable FIFO queue of local mutations waiting to be
// replayed against the remote API.
//
// Actions are enqueued in the same SQLite transaction as the optimistic cache
// write that produced them, so the cache never shows a change that is not
// queued and the queue never holds a change the cache does not reflect.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overcache/cachestore"
)

// Kind is the mutation type of a queued action
type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Status is the lifecycle state of a queued action
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
	StatusDead    Status = "DEAD"
)

// Reasons recorded on dead actions
const (
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonRejected            = "rejected"
	ReasonRemoteEntityMissing = "remote_entity_missing"
	ReasonPredecessorDead     = "predecessor_dead"
	ReasonParentDead          = "parent_dead"
)

// ErrNotFound is returned when an action sequence number does not exist
var ErrNotFound = errors.New("outbox: action not found")

// Action is one queued mutation
type Action struct {
	Seq           int64
	CorrelationID string
	Kind          Kind
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	RemoteID      string
	CreatedAt     time.Time
	RetryCount    int
	NextAttemptAt time.Time
	Status        Status
	LastError     string
	DeadReason    string
	Reported      bool
}

// Key identifies the entity an action targets
func (a Action) Key() string {
	return a.EntityType + "/" + a.EntityID
}

// NewAction describes a mutation to enqueue
type NewAction struct {
	Kind       Kind
	EntityType string
	EntityID   string
	Payload    json.RawMessage
}

// Config holds retry settings
type Config struct {
	MaxRetries int           // actions become DEAD once this many attempts failed
	BackoffMin time.Duration // delay after the first failure
	BackoffMax time.Duration // cap on the delay between attempts
}

// DefaultConfig returns the default retry policy: 5 attempts, 1s doubling up to 60s
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 5,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Outbox is the persistent action queue
type Outbox struct {
	store  *cachestore.Store
	config *Config
	now    func() time.Time
	logger *slog.Logger
}

// Option customises an Outbox
type Option func(*Outbox)

// WithClock overrides the clock used for timestamps and backoff
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

const outboxDDL = `
CREATE TABLE IF NOT EXISTS _outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK (kind IN ('CREATE', 'UPDATE', 'DELETE')),
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload TEXT,
	remote_id TEXT,
	created_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'SYNCED', 'DEAD')),
	last_error TEXT,
	dead_reason TEXT,
	reported INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS _outbox_status_seq ON _outbox (status, seq);
CREATE INDEX IF NOT EXISTS _outbox_entity ON _outbox (entity_type, entity_id, status);`

const idMapDDL = `
CREATE TABLE IF NOT EXISTS _id_map (
	entity_type TEXT NOT NULL,
	local_id TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	PRIMARY KEY (entity_type, local_id)
);`

// New registers the outbox tables in the store and returns the queue
func New(ctx context.Context, store *cachestore.Store, config *Config, opts ...Option) (*Outbox, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries <= 0 {
		return nil, fmt.Errorf("outbox: MaxRetries must be positive")
	}
	if config.BackoffMin <= 0 || config.BackoffMax < config.BackoffMin {
		return nil, fmt.Errorf("outbox: invalid backoff range %s..%s", config.BackoffMin, config.BackoffMax)
	}
	o := &Outbox{
		store:  store,
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := store.RegisterAuxTable(ctx, cachestore.AuxTable{Name: "_outbox", DDL: outboxDDL}); err != nil {
		return nil, err
	}
	if err := store.RegisterAuxTable(ctx, cachestore.AuxTable{Name: "_id_map", DDL: idMapDDL}); err != nil {
		return nil, err
	}
	return o, nil
}

// Config returns the retry policy in effect
func (o *Outbox) Config() Config { return *o.config }

// Enqueue appends an action. It must run inside the transaction that applied
// the optimistic cache write.
func (o *Outbox) Enqueue(tx *cachestore.Tx, a NewAction) (Action, error) {
	switch a.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return Action{}, fmt.Errorf("outbox: unknown action kind %q", a.Kind)
	}
	if a.EntityType == "" || a.EntityID == "" {
		return Action{}, fmt.Errorf("outbox: entity type and id are required")
	}

	now := o.now()
	action := Action{
		CorrelationID: uuid.NewString(),
		Kind:          a.Kind,
		EntityType:    a.EntityType,
		EntityID:      a.EntityID,
		Payload:       a.Payload,
		CreatedAt:     now,
		Status:        StatusPending,
	}
	var payload sql.NullString
	if len(a.Payload) > 0 {
		payload = sql.NullString{String: string(a.Payload), Valid: true}
	}
	res, err := tx.SQL().ExecContext(tx.Context(), `
		INSERT INTO _outbox (correlation_id, kind, entity_type, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		action.CorrelationID, string(action.Kind), action.EntityType, action.EntityID, payload, now.UnixMilli())
	if err != nil {
		return Action{}, fmt.Errorf("failed to enqueue %s %s: %w", a.Kind, action.Key(), err)
	}
	action.Seq, err = res.LastInsertId()
	if err != nil {
		return Action{}, fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	return action, nil
}

// Get returns a single action
func (o *Outbox) Get(ctx context.Context, seq int64) (Action, error) {
	db, err := o.store.SQL()
	if err != nil {
		return Action{}, err
	}
	row := db.QueryRowContext(ctx, selectActions+` WHERE seq = ?`, seq)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return a, err
}

// PeekNext returns the oldest pending action that is due for an attempt
func (o *Outbox) PeekNext(ctx context.Context) (Action, bool, error) {
	db, err := o.store.SQL()
	if err != nil {
		return Action{}, false, err
	}
	row := db.QueryRowContext(ctx, selectActions+`
		WHERE status = 'PENDING' AND next_attempt_at <= ?
		ORDER BY seq LIMIT 1`, o.now().UnixMilli())
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, false, nil
	}
	if err != nil {
		return Action{}, false, err
	}
	return a, true, nil
}

// ListPending returns every pending action in FIFO order, due or not
func (o *Outbox) ListPending(ctx context.Context) ([]Action, error) {
	return o.list(ctx, `WHERE status = 'PENDING' ORDER BY seq`)
}

// ListDead returns every dead action in FIFO order
func (o *Outbox) ListDead(ctx context.Context) ([]Action, error) {
	return o.list(ctx, `WHERE status = 'DEAD' ORDER BY seq`)
}

// ListUnreported returns dead actions that have not been surfaced yet
func (o *Outbox) ListUnreported(ctx context.Context) ([]Action, error) {
	return o.list(ctx, `WHERE status = 'DEAD' AND reported = 0 ORDER BY seq`)
}

func (o *Outbox) list(ctx context.Context, where string, args ...any) ([]Action, error) {
	db, err := o.store.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectActions+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingCount returns the number of pending actions
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	return o.count(ctx, StatusPending)
}

// DeadCount returns the number of dead actions
func (o *Outbox) DeadCount(ctx context.Context) (int, error) {
	return o.count(ctx, StatusDead)
}

func (o *Outbox) count(ctx context.Context, status Status) (int, error) {
	db, err := o.store.SQL()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _outbox WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s actions: %w", status, err)
	}
	return n, nil
}

// HasPending reports whether the entity has pending actions other than except
func (o *Outbox) HasPending(ctx context.Context, entityType, entityID string, except int64) (bool, error) {
	db, err := o.store.SQL()
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _outbox
		WHERE status = 'PENDING' AND entity_type = ? AND entity_id = ? AND seq <> ?`,
		entityType, entityID, except).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending actions: %w", err)
	}
	return n > 0, nil
}

// PendingKeys returns the ids of entities of the given type that have
// pending actions. Used to keep server data from overwriting local writes.
func (o *Outbox) PendingKeys(tx *cachestore.Tx, entityType string) (map[string]struct{}, error) {
	rows, err := tx.SQL().QueryContext(tx.Context(), `
		SELECT DISTINCT entity_id FROM _outbox
		WHERE status = 'PENDING' AND entity_type = ?`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending keys: %w", err)
	}
	defer rows.Close()
	keys := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending key: %w", err)
		}
		keys[id] = struct{}{}
	}
	return keys, rows.Err()
}

const selectActions = `
	SELECT seq, correlation_id, kind, entity_type, entity_id, payload, remote_id,
		created_at, retry_count, next_attempt_at, status, last_error, dead_reason, reported
	FROM _outbox`

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (Action, error) {
	var a Action
	var kind, status string
	var payload, remoteID, lastErr, deadReason sql.NullString
	var createdAt, nextAttemptAt int64
	var reported int
	err := s.Scan(&a.Seq, &a.CorrelationID, &kind, &a.EntityType, &a.EntityID, &payload, &remoteID,
		&createdAt, &a.RetryCount, &nextAttemptAt, &status, &lastErr, &deadReason, &reported)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, err
		}
		return Action{}, fmt.Errorf("failed to scan action: %w", err)
	}
	a.Kind = Kind(kind)
	a.Status = Status(status)
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	a.RemoteID = remoteID.String
	a.LastError = lastErr.String
	a.DeadReason = deadReason.String
	a.CreatedAt = time.UnixMilli(createdAt)
	if nextAttemptAt > 0 {
		a.NextAttemptAt = time.UnixMilli(nextAttemptAt)
	}
	a.Reported = reported != 0
	return a, nil
}

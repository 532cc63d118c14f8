// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Well-known metadata keys
const (
	MetaLastSyncAt          = "last_sync_at"
	MetaLastPrefetchAt      = "last_prefetch_at"
	MetaCacheComplete       = "cache_complete"
	MetaPrefetchFailed      = "prefetch_failed_collections"
	MetaLastPrefetchSession = "last_prefetch_session"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetMeta stores a metadata value
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	db, err := s.SQL()
	if err != nil {
		return err
	}
	return setMeta(ctx, db, key, value)
}

// SetMeta stores a metadata value inside the transaction
func (t *Tx) SetMeta(key, value string) error {
	return setMeta(t.ctx, t.tx, key, value)
}

func setMeta(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO _sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMeta returns a metadata value and whether it exists
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	db, err := s.SQL()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM _sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// AllMeta returns every metadata entry
func (s *Store) AllMeta(ctx context.Context) (map[string]string, error) {
	db, err := s.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM _sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ClearMeta removes every metadata entry
func (s *Store) ClearMeta(ctx context.Context) error {
	db, err := s.SQL()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM _sync_metadata`); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

// LastSyncAt returns when the outbox was last fully drained
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, MetaLastSyncAt)
}

// MarkSynced records t as the last successful full sync
func (s *Store) MarkSynced(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastSyncAt, t.UTC().Format(time.RFC3339Nano))
}

// LastPrefetchAt returns when cache warming last completed
func (s *Store) LastPrefetchAt(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, MetaLastPrefetchAt)
}

// CacheComplete reports whether a prefetch pass has completed
func (s *Store) CacheComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetMeta(ctx, MetaCacheComplete)
	if err != nil || !ok {
		return false, err
	}
	complete, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", MetaCacheComplete, v, err)
	}
	return complete, nil
}

// SetCacheComplete sets the completeness flag
func (s *Store) SetCacheComplete(ctx context.Context, complete bool) error {
	return s.SetMeta(ctx, MetaCacheComplete, strconv.FormatBool(complete))
}

func (s *Store) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := s.GetMeta(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return t, true, nil
}

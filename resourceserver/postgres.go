// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overcache/remote"
)

// PostgresBackend stores items as JSONB rows
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBackend creates the storage tables if needed. The caller owns
// the pool.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &PostgresBackend{pool: pool, logger: logger}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return b.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resource store schema: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS resource_store`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS resource_store.items (
			owner_id   TEXT        NOT NULL,
			resource   TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			seq        BIGSERIAL,
			data       JSONB       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, resource, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS items_owner_resource_seq_idx
			ON resource_store.items (owner_id, resource, seq)`,

		// Idempotency keys of accepted creates, per owner
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS resource_store.idempotency_keys (
			owner_id   TEXT        NOT NULL,
			idem_key   TEXT        NOT NULL,
			resource   TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, idem_key)
		)`,
	}
	for _, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context, owner, resource string, q remote.ListQuery) (remote.Page[Item], error) {
	q = q.Normalized()
	args := pgx.NamedArgs{"owner": owner, "resource": resource}

	where := []string{"owner_id = @owner", "resource = @resource"}
	i := 0
	for field, value := range q.Filters {
		fk, vk := fmt.Sprintf("f%d", i), fmt.Sprintf("v%d", i)
		where = append(where, fmt.Sprintf("data ->> @%s = @%s", fk, vk))
		args[fk] = field
		args[vk] = value
		i++
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM resource_store.items WHERE `+whereSQL, args).Scan(&total); err != nil {
		return remote.Page[Item]{}, fmt.Errorf("failed to count %s: %w", resource, err)
	}

	orderSQL := "seq"
	if q.Sort != "" {
		field, desc := remote.ParseSort(q.Sort)
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		args["sort_field"] = field
		// numbers first (numerically), then other values as text, missing last
		orderSQL = fmt.Sprintf(`
			CASE COALESCE(jsonb_typeof(data -> @sort_field), 'null')
				WHEN 'number' THEN 0 WHEN 'null' THEN 2 ELSE 1 END %[1]s,
			CASE WHEN jsonb_typeof(data -> @sort_field) = 'number'
				THEN (data ->> @sort_field)::numeric END %[1]s,
			(data ->> @sort_field) COLLATE "C" %[1]s,
			id COLLATE "C" ASC`, dir)
	}
	args["limit"] = q.PageSize
	args["offset"] = (q.Page - 1) * q.PageSize

	rows, err := b.pool.Query(ctx, `
		SELECT data FROM resource_store.items
		WHERE `+whereSQL+`
		ORDER BY `+orderSQL+`
		LIMIT @limit OFFSET @offset`, args)
	if err != nil {
		return remote.Page[Item]{}, fmt.Errorf("failed to list %s: %w", resource, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		return decodeItem(data)
	})
	if err != nil {
		return remote.Page[Item]{}, fmt.Errorf("failed to read %s: %w", resource, err)
	}
	if items == nil {
		items = []Item{}
	}

	return remote.Page[Item]{
		Items:    items,
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
		HasMore:  q.Page*q.PageSize < total,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, owner, resource, id string) (Item, error) {
	return getItem(ctx, b.pool, owner, resource, id)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getItem(ctx context.Context, q rowQuerier, owner, resource, id string) (Item, error) {
	var data []byte
	err := q.QueryRow(ctx, `
		SELECT data FROM resource_store.items
		WHERE owner_id = @owner AND resource = @resource AND id = @id`,
		pgx.NamedArgs{"owner": owner, "resource": resource, "id": id}).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", resource, id, err)
	}
	return decodeItem(data)
}

func (b *PostgresBackend) Insert(ctx context.Context, owner, resource string, item Item, idempotencyKey string) (Item, bool, error) {
	id := remote.ValueString(item["id"])
	if id == "" {
		return nil, false, fmt.Errorf("item has no id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode item: %w", err)
	}

	var stored Item
	var created bool
	err = withRetry(ctx, b.logger, func() error {
		return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
			created = true
			if idempotencyKey != "" {
				tag, err := tx.Exec(ctx, `
					INSERT INTO resource_store.idempotency_keys (owner_id, idem_key, resource, id)
					VALUES (@owner, @key, @resource, @id)
					ON CONFLICT (owner_id, idem_key) DO NOTHING`,
					pgx.NamedArgs{"owner": owner, "key": idempotencyKey, "resource": resource, "id": id})
				if err != nil {
					return fmt.Errorf("failed to record idempotency key: %w", err)
				}
				if tag.RowsAffected() == 0 {
					created = false
					var prevResource, prevID string
					if err := tx.QueryRow(ctx, `
						SELECT resource, id FROM resource_store.idempotency_keys
						WHERE owner_id = @owner AND idem_key = @key`,
						pgx.NamedArgs{"owner": owner, "key": idempotencyKey}).Scan(&prevResource, &prevID); err != nil {
						return fmt.Errorf("failed to read idempotency key: %w", err)
					}
					stored, err = getItem(ctx, tx, owner, prevResource, prevID)
					return err
				}
			}
			var out []byte
			if err := tx.QueryRow(ctx, `
				INSERT INTO resource_store.items (owner_id, resource, id, data)
				VALUES (@owner, @resource, @id, @data::jsonb)
				ON CONFLICT (owner_id, resource, id) DO UPDATE SET data = excluded.data, updated_at = now()
				RETURNING data`,
				pgx.NamedArgs{"owner": owner, "resource": resource, "id": id, "data": string(data)}).Scan(&out); err != nil {
				return fmt.Errorf("failed to insert %s/%s: %w", resource, id, err)
			}
			stored, err = decodeItem(out)
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (b *PostgresBackend) Update(ctx context.Context, owner, resource, id string, patch Item) (Item, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	var out []byte
	err = b.pool.QueryRow(ctx, `
		UPDATE resource_store.items
		SET data = data || @patch::jsonb || jsonb_build_object('id', id), updated_at = now()
		WHERE owner_id = @owner AND resource = @resource AND id = @id
		RETURNING data`,
		pgx.NamedArgs{"owner": owner, "resource": resource, "id": id, "patch": string(data)}).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", resource, id, err)
	}
	return decodeItem(out)
}

func (b *PostgresBackend) Delete(ctx context.Context, owner, resource, id string) error {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM resource_store.items
		WHERE owner_id = @owner AND resource = @resource AND id = @id`,
		pgx.NamedArgs{"owner": owner, "resource": resource, "id": id})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	return nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func decodeItem(data []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return item, nil
}

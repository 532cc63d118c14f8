// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mobiletoly/go-overcache/cachestore"
)

// Backoff returns the delay before the next attempt after retryCount failures.
// The delay doubles from BackoffMin and is capped at BackoffMax.
func (o *Outbox) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := o.config.BackoffMin
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= o.config.BackoffMax {
			return o.config.BackoffMax
		}
	}
	if d > o.config.BackoffMax {
		d = o.config.BackoffMax
	}
	return d
}

// MarkSynced moves an action to SYNCED. remoteID is recorded for creates.
func (o *Outbox) MarkSynced(tx *cachestore.Tx, seq int64, remoteID string) error {
	var rid sql.NullString
	if remoteID != "" {
		rid = sql.NullString{String: remoteID, Valid: true}
	}
	res, err := tx.SQL().ExecContext(tx.Context(), `
		UPDATE _outbox SET status = 'SYNCED', remote_id = COALESCE(?, remote_id), last_error = NULL
		WHERE seq = ? AND status = 'PENDING'`, rid, seq)
	if err != nil {
		return fmt.Errorf("failed to mark action %d synced: %w", seq, err)
	}
	return expectOne(res, seq)
}

// IncrementRetry records a failed attempt. The action is scheduled for a
// later attempt with exponential backoff, or becomes DEAD once MaxRetries
// attempts have failed. The updated action is returned.
func (o *Outbox) IncrementRetry(ctx context.Context, seq int64, cause error) (Action, error) {
	a, err := o.Get(ctx, seq)
	if err != nil {
		return Action{}, err
	}
	if a.Status != StatusPending {
		return a, nil
	}

	retries := a.RetryCount + 1
	msg := errorText(cause)
	db, err := o.store.SQL()
	if err != nil {
		return Action{}, err
	}

	if retries >= o.config.MaxRetries {
		_, err = db.ExecContext(ctx, `
			UPDATE _outbox SET retry_count = ?, status = 'DEAD', last_error = ?, dead_reason = ?
			WHERE seq = ?`, retries, msg, ReasonRetriesExhausted, seq)
		if err != nil {
			return Action{}, fmt.Errorf("failed to mark action %d dead: %w", seq, err)
		}
		o.logger.Warn("Outbox action exhausted retries",
			"seq", seq, "kind", a.Kind, "entity", a.Key(), "retries", retries, "error", msg)
	} else {
		next := o.now().Add(o.Backoff(retries))
		_, err = db.ExecContext(ctx, `
			UPDATE _outbox SET retry_count = ?, next_attempt_at = ?, last_error = ?
			WHERE seq = ?`, retries, next.UnixMilli(), msg, seq)
		if err != nil {
			return Action{}, fmt.Errorf("failed to schedule retry for action %d: %w", seq, err)
		}
	}
	return o.Get(ctx, seq)
}

// MarkDead moves a pending action to DEAD with the given reason
func (o *Outbox) MarkDead(ctx context.Context, seq int64, reason string, cause error) error {
	db, err := o.store.SQL()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE _outbox SET status = 'DEAD', dead_reason = ?, last_error = ?
		WHERE seq = ? AND status = 'PENDING'`, reason, errorText(cause), seq)
	if err != nil {
		return fmt.Errorf("failed to mark action %d dead: %w", seq, err)
	}
	return expectOne(res, seq)
}

// MarkDeadAfter kills every pending action of the entity queued after seq.
// Later mutations of an entity cannot be replayed once an earlier one is dead.
func (o *Outbox) MarkDeadAfter(ctx context.Context, entityType, entityID string, seq int64) (int, error) {
	db, err := o.store.SQL()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE _outbox SET status = 'DEAD', dead_reason = ?, last_error = ?
		WHERE status = 'PENDING' AND entity_type = ? AND entity_id = ? AND seq > ?`,
		ReasonPredecessorDead, fmt.Sprintf("action %d is dead", seq), entityType, entityID, seq)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade dead action %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cascaded rows: %w", err)
	}
	return int(n), nil
}

// MarkDeadReferencing kills every pending action queued after seq whose
// payload holds entityID as a string value, and returns them. An entity whose
// create is dead never gets a remote id, so references to it cannot resolve.
func (o *Outbox) MarkDeadReferencing(ctx context.Context, entityID string, seq int64) ([]Action, error) {
	db, err := o.store.SQL()
	if err != nil {
		return nil, err
	}
	candidates, err := o.list(ctx, `
		WHERE status = 'PENDING' AND seq > ? AND payload IS NOT NULL AND instr(payload, ?) > 0
		ORDER BY seq`, seq, entityID)
	if err != nil {
		return nil, err
	}

	var killed []Action
	for _, a := range candidates {
		values, err := cachestore.StringValues(a.Payload)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(values, entityID) {
			continue
		}
		msg := fmt.Sprintf("referenced entity %s was never created (action %d is dead)", entityID, seq)
		res, err := db.ExecContext(ctx, `
			UPDATE _outbox SET status = 'DEAD', dead_reason = ?, last_error = ?
			WHERE seq = ? AND status = 'PENDING'`, ReasonParentDead, msg, a.Seq)
		if err != nil {
			return nil, fmt.Errorf("failed to cascade dead action %d: %w", seq, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		a.Status = StatusDead
		a.DeadReason = ReasonParentDead
		a.LastError = msg
		killed = append(killed, a)
	}
	return killed, nil
}

// MarkReported flags a dead action as surfaced to the application
func (o *Outbox) MarkReported(ctx context.Context, seq int64) error {
	db, err := o.store.SQL()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `UPDATE _outbox SET reported = 1 WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to mark action %d reported: %w", seq, err)
	}
	return nil
}

// PurgeSynced deletes synced actions and returns how many were removed
func (o *Outbox) PurgeSynced(ctx context.Context) (int, error) {
	db, err := o.store.SQL()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM _outbox WHERE status = 'SYNCED'`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemapEntity records that localID is known remotely as remoteID. Pending
// actions of the entity are retargeted, and string references to localID in
// any pending payload are rewritten.
func (o *Outbox) RemapEntity(tx *cachestore.Tx, entityType, localID, remoteID string) error {
	if localID == remoteID {
		return nil
	}
	ctx := tx.Context()
	_, err := tx.SQL().ExecContext(ctx, `
		INSERT INTO _id_map (entity_type, local_id, remote_id) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, local_id) DO UPDATE SET remote_id = excluded.remote_id`,
		entityType, localID, remoteID)
	if err != nil {
		return fmt.Errorf("failed to record id mapping %s/%s: %w", entityType, localID, err)
	}
	_, err = tx.SQL().ExecContext(ctx, `
		UPDATE _outbox SET entity_id = ?
		WHERE status = 'PENDING' AND entity_type = ? AND entity_id = ?`,
		remoteID, entityType, localID)
	if err != nil {
		return fmt.Errorf("failed to retarget actions of %s/%s: %w", entityType, localID, err)
	}

	rows, err := tx.SQL().QueryContext(ctx, `
		SELECT seq, payload FROM _outbox
		WHERE status = 'PENDING' AND payload IS NOT NULL AND instr(payload, ?) > 0`, localID)
	if err != nil {
		return fmt.Errorf("failed to scan payload references: %w", err)
	}
	type rewrite struct {
		seq     int64
		payload json.RawMessage
	}
	var rewrites []rewrite
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan payload: %w", err)
		}
		out, changed, err := cachestore.ReplaceStrings(json.RawMessage(payload), localID, remoteID)
		if err != nil {
			rows.Close()
			return err
		}
		if changed {
			rewrites = append(rewrites, rewrite{seq: seq, payload: out})
		}
	}
	rows.Close()

	for _, r := range rewrites {
		if _, err := tx.SQL().ExecContext(ctx,
			`UPDATE _outbox SET payload = ? WHERE seq = ?`, string(r.payload), r.seq); err != nil {
			return fmt.Errorf("failed to rewrite payload of action %d: %w", r.seq, err)
		}
	}
	return nil
}

// ResolveRemoteID returns the remote id recorded for a local id
func (o *Outbox) ResolveRemoteID(ctx context.Context, entityType, localID string) (string, bool, error) {
	db, err := o.store.SQL()
	if err != nil {
		return "", false, err
	}
	return lookupRemoteID(db.QueryRowContext(ctx,
		`SELECT remote_id FROM _id_map WHERE entity_type = ? AND local_id = ?`, entityType, localID),
		entityType, localID)
}

// ResolveInTx is ResolveRemoteID inside a cache transaction, so the answer
// cannot go stale before the caller's writes commit
func (o *Outbox) ResolveInTx(tx *cachestore.Tx, entityType, localID string) (string, bool, error) {
	return lookupRemoteID(tx.SQL().QueryRowContext(tx.Context(),
		`SELECT remote_id FROM _id_map WHERE entity_type = ? AND local_id = ?`, entityType, localID),
		entityType, localID)
}

func lookupRemoteID(row *sql.Row, entityType, localID string) (string, bool, error) {
	var remoteID string
	err := row.Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s/%s: %w", entityType, localID, err)
	}
	return remoteID, true, nil
}

func expectOne(res sql.Result, seq int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no pending action %d", ErrNotFound, seq)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txMaxAttempts = 5
	txBaseBackoff = 20 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withRetry runs fn again when it fails with a transient transaction error
func withRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		logger.Debug("Retrying transaction", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, txBaseBackoff*time.Duration(attempt)); serr != nil {
			return serr
		}
	}
	return err
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

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/outbox"
	"go.uber.org/multierr"
)

// Lifecycle wipes the local cache when a session ends
type Lifecycle struct {
	store      *cachestore.Store
	outbox     *outbox.Outbox
	prefetcher *Prefetcher
	writeMu    *sync.Mutex
	events     *Events
	logger     *slog.Logger
}

func newLifecycle(store *cachestore.Store, ob *outbox.Outbox, prefetcher *Prefetcher, writeMu *sync.Mutex,
	events *Events, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:      store,
		outbox:     ob,
		prefetcher: prefetcher,
		writeMu:    writeMu,
		events:     events,
		logger:     logger,
	}
}

// WipeAll removes every cached record, all sync metadata and the outbox, and
// forgets which sessions were warmed. Unsynced local changes are discarded.
//
// If the store cannot be wiped in place (closed or broken database) the
// database files are deleted and an empty store is recreated. WipeAll fails
// with ErrStoreUnavailable only if that also fails.
func (l *Lifecycle) WipeAll(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// Stale prefetch cycles must stop writing before the data goes away
	l.prefetcher.ResetAll()

	if pending, err := l.outbox.PendingCount(ctx); err == nil && pending > 0 {
		l.logger.Warn("Discarding unsynced local changes", "pending", pending)
	}

	err := l.store.WipeAll(ctx)
	if err != nil {
		l.logger.Error("Failed to wipe local cache, recreating database", "error", err)
		if resetErr := l.store.Reset(ctx); resetErr != nil {
			err = multierr.Append(err, resetErr)
			l.logger.Error("Local cache unavailable", "error", err)
			l.events.emit(Event{Type: EventStorageUnavailable, Err: err})
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	l.logger.Info("Local cache wiped")
	l.events.emit(Event{Type: EventCacheWiped})
	return nil
}

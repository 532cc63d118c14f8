// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-overcache/cachestore"
	"github.com/mobiletoly/go-overcache/connectivity"
	"github.com/mobiletoly/go-overcache/remote"
)

// Router sends reads to the remote API when it is reachable and to the local
// cache otherwise
type Router struct {
	monitor *connectivity.Monitor
	logger  *slog.Logger
	stages  *stageObserver
}

// NewRouter creates a router driven by the connectivity monitor
func NewRouter(monitor *connectivity.Monitor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{monitor: monitor, logger: logger}
}

// ReadThrough is one read with a remote strategy and a cache strategy.
// Cache must reproduce what Remote would return (filters, sort, pagination,
// embedded relations) from the flat per-table cache.
type ReadThrough[T any] struct {
	Name    string                               // used in logs
	Remote  func(ctx context.Context) (T, error) // nil means cache only
	Cache   func(ctx context.Context) (T, error) // required
	Persist func(ctx context.Context, v T) error // optional write-back of remote results
	Empty   func() T                             // degraded result; zero value when nil
}

// Result carries read data and where it came from
type Result[T any] struct {
	Data      T
	FromCache bool
	Degraded  bool // both remote and cache failed; Data is empty
}

// Fetch runs a read-through. A remote 404 is authoritative and never falls
// back to the cache. A failing cache yields a degraded empty result rather
// than an error.
func Fetch[T any](ctx context.Context, r *Router, rt ReadThrough[T]) (Result[T], error) {
	if rt.Remote != nil && r.monitor.IsOnline() {
		start := r.stages.start()
		data, err := rt.Remote(ctx)
		r.stages.observe(ctx, MetricsOpRead, MetricsStageRemote, start, 1, err != nil)
		if err == nil {
			if rt.Persist != nil {
				if perr := rt.Persist(ctx, data); perr != nil {
					r.logger.Warn("Failed to write remote result to cache", "read", rt.Name, "error", perr)
				}
			}
			return Result[T]{Data: data}, nil
		}
		if remote.IsNotFound(err) {
			return Result[T]{}, fmt.Errorf("%w: %s: %w", ErrNotFound, rt.Name, err)
		}
		if ctx.Err() != nil {
			return Result[T]{}, ctx.Err()
		}
		if remote.IsTransport(err) {
			go r.monitor.CheckNow(context.Background())
		}
		r.logger.Warn("Remote read failed, falling back to cache", "read", rt.Name, "error", err)
	}

	start := r.stages.start()
	data, err := rt.Cache(ctx)
	r.stages.observe(ctx, MetricsOpRead, MetricsStageCache, start, 1, err != nil)
	if err == nil {
		return Result[T]{Data: data, FromCache: true}, nil
	}
	if errors.Is(err, cachestore.ErrNotFound) || errors.Is(err, ErrNotFound) {
		return Result[T]{FromCache: true}, fmt.Errorf("%w: %s: %w", ErrNotFound, rt.Name, err)
	}
	r.logger.Error("Cache read failed, returning empty result", "read", rt.Name, "error", err)
	var empty T
	if rt.Empty != nil {
		empty = rt.Empty()
	}
	return Result[T]{Data: empty, FromCache: true, Degraded: true}, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSync     = "sync"
	MetricsOpPrefetch = "prefetch"
	MetricsOpRead     = "read"

	MetricsStageTotal = "total"

	// Sync stages
	MetricsStageReplayCreate = "replay_create"
	MetricsStageReplayUpdate = "replay_update"
	MetricsStageReplayDelete = "replay_delete"

	// Prefetch stages
	MetricsStageCollection = "collection"
	MetricsStagePersist    = "persist"

	// Read stages
	MetricsStageRemote = "remote"
	MetricsStageCache  = "cache"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the router, prefetcher and engine
type stageObserver struct {
	recorder StageMetricsRecorder
	logAll   bool
	logger   *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logAll)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || o == nil {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logAll && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}

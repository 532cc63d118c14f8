// Package metrics exports overcache stage timings and resource API latencies
// as Prometheus metrics.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageRecorder implements overcache.StageMetricsRecorder
type StageRecorder struct {
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
}

var _ overcache.StageMetricsRecorder = (*StageRecorder)(nil)

// NewStageRecorder registers the stage metrics with reg. A nil reg uses the
// default registerer.
func NewStageRecorder(namespace string, reg prometheus.Registerer) *StageRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &StageRecorder{
		// Stage durations by operation (sync|prefetch|read) and stage
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of offline data layer stages",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "stage", "error"},
		),
		items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_items_total",
				Help:      "Items processed by offline data layer stages",
			},
			[]string{"operation", "stage"},
		),
	}
}

func (r *StageRecorder) ObserveStage(_ context.Context, timing overcache.StageTiming) {
	r.duration.WithLabelValues(timing.Operation, timing.Stage, strconv.FormatBool(timing.Error)).
		Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		r.items.WithLabelValues(timing.Operation, timing.Stage).Add(float64(timing.Count))
	}
}

// HTTPMetrics measures resource API request latencies
type HTTPMetrics struct {
	latency *prometheus.HistogramVec
}

func NewHTTPMetrics(namespace string, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &HTTPMetrics{
		latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "API endpoint latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Middleware records the latency of every request. The path label is the
// matched route pattern so ids do not explode the label cardinality.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.latency.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Package connectivity tracks whether the remote API is reachable.
//
// Reachability is decided by active probes. A passive platform signal can
// report "offline" immediately, but "online" is only trusted after a probe
// succeeds. Subscribers are notified on transitions only.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Prober actively checks reachability of the remote API
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes with a GET request. Any response below 500 counts as
// reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

const (
	DefaultPollInterval = 30 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// Monitor holds the current online/offline state
type Monitor struct {
	prober       Prober
	pollInterval time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	passive      <-chan bool

	online  atomic.Bool
	probeMu sync.Mutex // one probe at a time

	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
}

// Option customises a Monitor
type Option func(*Monitor)

// WithPollInterval sets how often the monitor probes on its own
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithProbeTimeout bounds a single probe
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPassiveSource feeds platform reachability changes into the monitor
func WithPassiveSource(ch <-chan bool) Option {
	return func(m *Monitor) {
		m.passive = ch
	}
}

// New creates a monitor. It starts in the online state.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:       prober,
		pollInterval: DefaultPollInterval,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.Default(),
		subs:         make(map[int]func(bool)),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline returns the current state
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// OnChange registers fn to be called on every transition. The returned
// function unsubscribes.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start polls the prober and consumes passive signals until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		case online, ok := <-m.passive:
			if !ok {
				m.passive = nil
				continue
			}
			m.SetPassive(ctx, online)
		}
	}
}

// SetPassive applies a passive reachability signal. Offline is applied
// immediately; online is confirmed with a probe first.
func (m *Monitor) SetPassive(ctx context.Context, online bool) {
	if !online {
		m.setOnline(false, "passive signal")
		return
	}
	m.CheckNow(ctx)
}

// CheckNow probes immediately and returns the resulting state
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		// caller went away; the probe says nothing about the network
		return m.IsOnline()
	}
	if err != nil {
		m.logger.Debug("Connectivity probe failed", "error", err)
		m.setOnline(false, "probe failed")
		return false
	}
	m.setOnline(true, "probe succeeded")
	return true
}

func (m *Monitor) setOnline(online bool, reason string) {
	if m.online.Swap(online) == online {
		return
	}
	m.logger.Info("Connectivity changed", "online", online, "reason", reason)

	m.mu.Lock()
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

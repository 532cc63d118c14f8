// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-overcache/connectivity"
	"github.com/mobiletoly/go-overcache/outbox"
	"github.com/mobiletoly/go-overcache/remote"
	"github.com/mobiletoly/go-overcache/resourceserver"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "user-1"
	timeout  = 5 * time.Second
	tick     = 10 * time.Millisecond
)

var clinicEntities = []Entity{
	{Name: "guardians", Version: 1},
	{
		Name:    "patients",
		Version: 1,
		Relations: []remote.Relation{
			{Name: "guardian", Field: "guardian_id", Resource: "guardians"},
		},
	},
	{Name: "inventory", Version: 1},
	{Name: "visits", Version: 1},
}

func clinicServiceConfig() *resourceserver.ServiceConfig {
	return &resourceserver.ServiceConfig{Resources: []resourceserver.ResourceConfig{
		{Name: "guardians", Required: []string{"name"}},
		{
			Name:     "patients",
			Required: []string{"name"},
			Relations: []remote.Relation{
				{Name: "guardian", Field: "guardian_id", Resource: "guardians"},
			},
		},
		{Name: "inventory"},
		{Name: "visits", Required: []string{"patient_id"}},
	}}
}

// faultServer is the resource API behind a middleware that injects failures
type faultServer struct {
	*httptest.Server
	backend *resourceserver.MemoryBackend

	down      atomic.Bool  // every request fails at the transport level
	dropAfter atomic.Int32 // this many requests are applied, then the connection drops
	failWith  atomic.Int32 // status returned for requests matching failPath
	failPath  atomic.Value // path prefix, string

	mu       sync.Mutex
	requests []string // "METHOD /path" of every request that reached the API
}

func newFaultServer(t *testing.T) *faultServer {
	t.Helper()
	logger := testLogger()
	backend := resourceserver.NewMemoryBackend()
	service, err := resourceserver.NewResourceService(backend, clinicServiceConfig(), logger)
	require.NoError(t, err)
	api := resourceserver.NewHTTPHandlers(service, resourceserver.StaticUser(testUser), logger).Handler()

	fs := &faultServer{backend: backend}
	fs.failPath.Store("")
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.down.Load() {
			hangUp(w)
			return
		}
		if r.URL.Path != "/health" {
			fs.mu.Lock()
			fs.requests = append(fs.requests, r.Method+" "+r.URL.Path)
			fs.mu.Unlock()
		}
		if prefix := fs.failPath.Load().(string); prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			http.Error(w, `{"error":"injected","message":"injected failure"}`, int(fs.failWith.Load()))
			return
		}
		if fs.dropAfter.Load() > 0 {
			fs.dropAfter.Add(-1)
			api.ServeHTTP(httptest.NewRecorder(), r)
			hangUp(w)
			return
		}
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func hangUp(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

// fail makes requests under prefix answer with status until cleared with 0
func (fs *faultServer) fail(prefix string, status int) {
	fs.failWith.Store(int32(status))
	if status == 0 {
		prefix = ""
	}
	fs.failPath.Store(prefix)
}

func (fs *faultServer) requestCount(prefix string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, r := range fs.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (fs *faultServer) seed(t *testing.T, resource string, items ...resourceserver.Item) {
	t.Helper()
	for _, item := range items {
		_, _, err := fs.backend.Insert(context.Background(), testUser, resource, item, "")
		require.NoError(t, err)
	}
}

func (fs *faultServer) item(t *testing.T, resource, id string) resourceserver.Item {
	t.Helper()
	item, err := fs.backend.Get(context.Background(), testUser, resource, id)
	require.NoError(t, err)
	return item
}

func (fs *faultServer) list(t *testing.T, resource string) []resourceserver.Item {
	t.Helper()
	page, err := fs.backend.List(context.Background(), testUser, resource, remote.ListQuery{PageSize: remote.MaxPageSize})
	require.NoError(t, err)
	return page.Items
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	server *faultServer
	client *Client
	clock  *fakeClock
	events *eventLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	server := newFaultServer(t)
	clock := newFakeClock()

	config := DefaultConfig(filepath.Join(t.TempDir(), "cache.db"), server.URL, clinicEntities)
	config.Outbox = &outbox.Config{MaxRetries: 5, BackoffMin: time.Second, BackoffMax: 30 * time.Second}
	config.Prefetch.InterBatchDelay = 0

	prober := connectivity.ProberFunc(func(context.Context) error {
		if server.down.Load() {
			return errors.New("unreachable")
		}
		return nil
	})
	all := append([]Option{WithLogger(testLogger()), WithProber(prober), WithClock(clock.Now)}, opts...)
	client, err := NewClient(context.Background(), config, nil, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{t: t, server: server, client: client, clock: clock, events: &eventLog{}}
	client.Subscribe(h.events.record)
	return h
}

func (h *harness) goOffline() {
	h.server.down.Store(true)
	require.False(h.t, h.client.Monitor().CheckNow(context.Background()))
}

func (h *harness) goOnline() {
	h.server.down.Store(false)
	require.True(h.t, h.client.Monitor().CheckNow(context.Background()))
}

func (h *harness) sync() SyncReport {
	h.t.Helper()
	report, err := h.client.Sync(context.Background())
	require.NoError(h.t, err)
	return report
}

func (h *harness) count(table string) int {
	h.t.Helper()
	n, err := h.client.Store().Count(context.Background(), table)
	require.NoError(h.t, err)
	return n
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

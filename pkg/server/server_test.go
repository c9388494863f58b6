package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/httpx"
	"github.com/nicktill/timeindex/pkg/index"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/server/monitor"
	"github.com/nicktill/timeindex/pkg/storage/memory"
	"github.com/nicktill/timeindex/pkg/timetree"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router *mux.Router
	hub    *Hub
	gc     *monitor.TaskMonitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New(memory.WithClock(func() time.Time { return testNow }))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ix := index.New(metrics.WrapStore(store, m), timetree.MustSettings(time.Minute), index.WithObserver(m))

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gc := monitor.NewTaskMonitor("badger_gc", time.Hour)
	router := mux.NewRouter()
	SetupRoutes(router, Routes{
		API:      NewAPI(ix, hub, nil, m, zerolog.Nop()),
		Hub:      hub,
		Tasks:    []*monitor.TaskMonitor{gc},
		Gatherer: reg,
		Port:     "8080",
	})
	return &testServer{router: router, hub: hub, gc: gc}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createNote(t *testing.T, idx, title string, at time.Time) CreateEntryResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/indexes/"+idx+"/entries", CreateEntryRequest{
		Title:     title,
		CreatedAt: &at,
		Tag:       "note",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CreateEntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateAndQueryEntries(t *testing.T) {
	s := newTestServer(t)

	first := s.createNote(t, "journal", "standup", testNow.Add(-30*time.Minute))
	s.createNote(t, "journal", "lunch", testNow.Add(-29*time.Minute+10*time.Second))
	s.createNote(t, "other", "unrelated", testNow.Add(-30*time.Minute))

	assert.Equal(t, "journal", first.Index)
	assert.Equal(t, testNow.Add(-30*time.Minute), first.Bucket.Start())
	assert.Equal(t, first.Note.Address(), first.Entry)

	span := "from=2024-03-15T11:00:00Z&until=2024-03-15T12:00:00Z"

	w := s.do(t, http.MethodGet, "/v1/indexes/journal/entries?"+span, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[EntriesResponse](t, w)
	require.Equal(t, 2, entries.Count)
	assert.Equal(t, "standup", entries.Entries[0].Title)
	assert.Equal(t, "lunch", entries.Entries[1].Title)

	// Reversed span returns newest first
	w = s.do(t, http.MethodGet, "/v1/indexes/journal/links?from=2024-03-15T12:00:00Z&until=2024-03-15T11:00:00Z&strategy=dfs&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	links := decode[LinksResponse](t, w)
	require.Len(t, links.Links, 1)
	assert.Equal(t, testNow.Add(-29*time.Minute+10*time.Second), links.Links[0].Timestamp)

	w = s.do(t, http.MethodGet, "/v1/indexes/journal/buckets?"+span, nil)
	require.Equal(t, http.StatusOK, w.Code)
	buckets := decode[[]BucketView](t, w)
	require.Len(t, buckets, 2)
	assert.Equal(t, first.Bucket, buckets[0].Bucket)
	require.Len(t, buckets[0].Path, 6)
	assert.Equal(t, "journal", buckets[0].Path[0].Index)
	assert.Equal(t, "hour", buckets[0].Path[4].Granularity)
	require.NotNil(t, buckets[0].Path[5].Bucket)
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
	}{
		{"span narrower than interval", http.MethodGet, "/v1/indexes/journal/links?from=2024-03-15T11:00:00Z&until=2024-03-15T11:00:30Z", nil},
		{"unknown strategy", http.MethodGet, "/v1/indexes/journal/links?strategy=sideways", nil},
		{"bad time", http.MethodGet, "/v1/indexes/journal/entries?from=yesterday", nil},
		{"negative limit", http.MethodGet, "/v1/indexes/journal/links?limit=-1", nil},
		{"missing title", http.MethodPost, "/v1/indexes/journal/entries", CreateEntryRequest{}},
		{"reserved tag", http.MethodPost, "/v1/indexes/journal/entries", CreateEntryRequest{Title: "x", Tag: index.BackLinkTag}},
		{"future entry", http.MethodPost, "/v1/indexes/journal/entries", map[string]any{"title": "x", "created_at": testNow.Add(time.Hour)}},
		{"bad address", http.MethodDelete, "/v1/entries/not-hex", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[httpx.ErrorResponse](t, w)
			assert.Equal(t, "Bad Request", resp.Error)
		})
	}
}

func TestSpanQuery_LimitIsCapped(t *testing.T) {
	store := memory.New(memory.WithClock(func() time.Time { return testNow }))
	api := NewAPI(index.New(store, timetree.MustSettings(time.Minute)), nil, nil, nil, zerolog.Nop())

	tests := []struct {
		query string
		want  int
	}{
		{"", config.MaxQueryLimit},
		{"limit=0", config.MaxQueryLimit},
		{"limit=7", 7},
		{fmt.Sprintf("limit=%d", config.MaxQueryLimit+1), config.MaxQueryLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/indexes/journal/links?"+tt.query, nil)
		r = mux.SetURLVars(r, map[string]string{"index": "journal"})

		q, err := api.spanQuery(r)
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, q.Limit, tt.query)
		assert.Equal(t, "journal", q.Index)
	}
}

func TestCreateEntry_InvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/indexes/journal/entries", strings.NewReader("{"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLatest(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/indexes/journal/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.createNote(t, "journal", "old", testNow.Add(-3*time.Hour))
	newest := s.createNote(t, "journal", "new", testNow.Add(-5*time.Minute))

	w = s.do(t, http.MethodGet, "/v1/indexes/journal/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[BucketView](t, w)
	assert.Equal(t, newest.Bucket, view.Bucket)
	require.Len(t, view.Links, 1)
	assert.Equal(t, newest.Entry, view.Links[0].Target)
}

func TestCurrentAndSince(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/indexes/journal/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.createNote(t, "journal", "earlier", testNow.Add(-90*time.Minute))
	now := s.createNote(t, "journal", "now", testNow)

	w = s.do(t, http.MethodGet, "/v1/indexes/journal/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.Bucket, decode[BucketView](t, w).Bucket)

	w = s.do(t, http.MethodGet, "/v1/indexes/journal/since?since=2024-03-15T10:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]BucketView](t, w), 2)

	// Default window is the last hour
	w = s.do(t, http.MethodGet, "/v1/indexes/journal/since", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]BucketView](t, w), 1)
}

func TestRemoveEntry(t *testing.T) {
	s := newTestServer(t)
	created := s.createNote(t, "journal", "mistake", testNow.Add(-10*time.Minute))
	s.createNote(t, "journal", "keeper", testNow.Add(-10*time.Minute))

	w := s.do(t, http.MethodDelete, "/v1/entries/"+created.Entry.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[RemoveResponse](t, w).Removed)

	w = s.do(t, http.MethodGet, "/v1/indexes/journal/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[EntriesResponse](t, w)
	require.Equal(t, 1, entries.Count)
	assert.Equal(t, "keeper", entries.Entries[0].Title)

	// Second removal finds nothing
	w = s.do(t, http.MethodDelete, "/v1/entries/"+created.Entry.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[RemoveResponse](t, w).Removed)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	require.Len(t, health.Tasks, 1)
	assert.Equal(t, "badger_gc", health.Tasks[0].Name)

	for i := 0; i < 4; i++ {
		s.gc.RecordFailure(errors.New("disk error"))
	}
	w = s.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createNote(t, "journal", "counted", testNow.Add(-time.Minute))
	s.do(t, http.MethodGet, "/v1/indexes/journal/links", nil)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "timeindex_entries_indexed_total 1")
	assert.Contains(t, body, `timeindex_queries_total{status="ok",strategy="bfs"} 1`)
	assert.Contains(t, body, `timeindex_store_operations_total{operation="create_entry",status="ok"} 1`)
}

func TestWebSocketEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, s.hub.HasClients, 2*time.Second, 10*time.Millisecond)

	at := testNow.Add(-2 * time.Minute)
	body, err := json.Marshal(CreateEntryRequest{Title: "live", CreatedAt: &at})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/indexes/journal/entries", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventEntryIndexed, ev.Type)
	assert.Equal(t, "journal", ev.Index)
	require.NotNil(t, ev.Bucket)
	assert.Equal(t, at, ev.Bucket.Start())
}

func TestPublishWithoutClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NoError(t, hub.Publish(Event{Type: EventEntryRemoved}))
	assert.Zero(t, hub.ClientCount())
}

type fakeGC struct {
	errs  []error
	calls int
}

func (f *fakeGC) RunGC(float64) error {
	err := f.errs[f.calls]
	f.calls++
	return err
}

func TestCollectGarbage(t *testing.T) {
	tm := monitor.NewTaskMonitor("badger_gc", time.Hour)
	gc := &fakeGC{errs: []error{
		nil,
		badgerdb.ErrNoRewrite,
		fmt.Errorf("wrapped: %w", errors.New("io failure")),
		badgerdb.ErrGCInMemoryMode,
	}}

	assert.False(t, collectGarbage(gc, tm, zerolog.Nop()))
	assert.True(t, tm.IsHealthy())

	assert.False(t, collectGarbage(gc, tm, zerolog.Nop()))
	assert.Zero(t, tm.Status().ConsecutiveErrors)

	assert.False(t, collectGarbage(gc, tm, zerolog.Nop()))
	assert.Equal(t, 1, tm.Status().ConsecutiveErrors)
	assert.Contains(t, tm.Status().LastError, "io failure")

	assert.True(t, collectGarbage(gc, tm, zerolog.Nop()), "in-memory stores stop the scheduler")
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestInstrumentMiddleware(t *testing.T) {
	s := newTestServer(t)
	created := s.createNote(t, "journal", "traced", testNow.Add(-time.Minute))
	s.do(t, http.MethodDelete, "/v1/entries/"+created.Entry.String(), nil)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `timeindex_http_requests_total{method="POST",route="/v1/indexes/{index}/entries",status="201"} 1`)
	assert.Contains(t, body, `timeindex_http_requests_total{method="DELETE",route="/v1/entries/{addr}",status="200"} 1`)
	assert.NotContains(t, body, created.Entry.String())
}

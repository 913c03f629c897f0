package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/filetree"
	"collabtext/internal/persist"
	"collabtext/internal/projectstore"
	"collabtext/internal/reconcile"
	"collabtext/internal/session"
)

type testServer struct {
	router   http.Handler
	registry *session.Registry
	clock    *clock.Mock
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	c := clock.NewMock()
	store := projectstore.NewMemoryStore(c)
	adapter := persist.NewAdapter(persist.NewMemoryLog(), persist.DefaultOptions())
	t.Cleanup(func() { adapter.Close(context.Background()) })
	reconciler := reconcile.New(store, time.Second, c)
	registry := session.NewRegistry(adapter, reconciler, session.DefaultOptions(crdt.NewReplicaID()))
	return &testServer{
		router:   newRouter(registry, store, cfg, c),
		registry: registry,
		clock:    c,
	}
}

func (s *testServer) do(method, path, body, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if addr != "" {
		req.RemoteAddr = addr
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestLiveQueries(t *testing.T) {
	s := newTestServer(t, config.Default())

	w := s.do(http.MethodGet, "/api/live/r1/files", "", "")
	assert.Equal(t, w.Code, http.StatusNotFound)
	// queries never create rooms
	assert.Equal(t, len(s.registry.Rooms()), 0)

	_, err := s.registry.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)

	w = s.do(http.MethodGet, "/api/live/r1/files", "", "")
	assert.Equal(t, w.Code, http.StatusOK)
	var files struct {
		Room  string   `json:"room"`
		Files []string `json:"files"`
	}
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &files), nil)
	assert.Equal(t, files.Room, "r1")
	assert.Equal(t, files.Files, []string{"index.js", "src/utils.js"})

	w = s.do(http.MethodGet, "/api/live/r1/files?content=1", "", "")
	var contents struct {
		Files map[string]string `json:"files"`
	}
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &contents), nil)
	assert.Equal(t, contents.Files, reconcile.DefaultTemplate())

	w = s.do(http.MethodGet, "/api/live/r1/tree", "", "")
	assert.Equal(t, w.Code, http.StatusOK)
	var tree []*filetree.Node
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &tree), nil)
	assert.Equal(t, len(tree), 2)
	assert.Equal(t, tree[0].Type, filetree.Folder)
	assert.Equal(t, tree[0].Children[0].Path, "src/utils.js")
	assert.Equal(t, tree[1].Name, "index.js")

	w = s.do(http.MethodGet, "/api/live/r1/presence", "", "")
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, strings.TrimSpace(w.Body.String()), "[]")

	w = s.do(http.MethodGet, "/api/live", "", "")
	assert.Equal(t, strings.TrimSpace(w.Body.String()), `{"rooms":["r1"]}`)
}

func TestProjectRoutes(t *testing.T) {
	s := newTestServer(t, config.Default())

	w := s.do(http.MethodPost, "/api/rooms", `{"roomId":"r1","ownerId":"o1","name":"demo","files":{"a.go":"package a"}}`, "")
	assert.Equal(t, w.Code, http.StatusOK)
	w = s.do(http.MethodGet, "/api/rooms/r1", "", "")
	assert.Equal(t, w.Code, http.StatusOK)
	var p projectstore.Project
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &p), nil)
	assert.Equal(t, p.Files["a.go"], "package a")

	// a room hydrates from the saved project
	room, err := s.registry.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Snapshot(), map[string]string{"a.go": "package a"})
}

func TestAPIRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.APIRate = 1.0 / 60
	cfg.APIBurst = 2
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodGet, "/api/rooms?ownerId=o1", "", "10.0.0.1:5000")
		assert.Equal(t, w.Code, http.StatusOK)
	}
	w := s.do(http.MethodGet, "/api/rooms?ownerId=o1", "", "10.0.0.1:5001")
	assert.Equal(t, w.Code, http.StatusTooManyRequests)
	assert.Equal(t, strings.Contains(w.Body.String(), "Too many requests"), true)

	// other addresses and other paths are unaffected
	w = s.do(http.MethodGet, "/api/rooms?ownerId=o1", "", "10.0.0.2:5000")
	assert.Equal(t, w.Code, http.StatusOK)
	w = s.do(http.MethodGet, "/", "", "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusOK)

	s.clock.Add(time.Minute)
	w = s.do(http.MethodGet, "/api/rooms?ownerId=o1", "", "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusOK)
}

func TestCreateRateLimit(t *testing.T) {
	s := newTestServer(t, config.Default())
	for i := 0; i < 5; i++ {
		w := s.do(http.MethodPost, "/api/rooms", `{"roomId":"r1"}`, "10.0.0.1:5000")
		assert.Equal(t, w.Code, http.StatusOK)
	}
	w := s.do(http.MethodPost, "/api/rooms", `{"roomId":"r1"}`, "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusTooManyRequests)
	assert.Equal(t, strings.Contains(w.Body.String(), "creation"), true)

	// everything under /api/rooms shares the creation budget
	w = s.do(http.MethodGet, "/api/rooms/r1", "", "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusTooManyRequests)
	w = s.do(http.MethodGet, "/api/live", "", "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusOK)

	s.clock.Add(time.Minute)
	w = s.do(http.MethodPost, "/api/rooms", `{"roomId":"r1"}`, "10.0.0.1:5000")
	assert.Equal(t, w.Code, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, config.Default())
	w := s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(w.Body.String(), "collabtext_rooms"), true)
}

func TestPort(t *testing.T) {
	assert.Equal(t, port(":9000"), 9000)
	assert.Equal(t, port("0.0.0.0:8081"), 8081)
	assert.Equal(t, port("bad"), 8081)
}

package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"collabtext/internal/config"
	"collabtext/internal/filetree"
	"collabtext/internal/projectstore"
	"collabtext/internal/session"
)

// visitorTTL is how long an idle client address keeps its limiter.
const visitorTTL = 15 * time.Minute

func newRouter(registry *session.Registry, store projectstore.Store, cfg config.Config, c clock.Clock) *mux.Router {
	if c == nil {
		c = clock.New()
	}
	r := mux.NewRouter()

	r.HandleFunc("/ws/{room}", func(w http.ResponseWriter, req *http.Request) {
		registry.ServeWS(w, req, mux.Vars(req)["room"])
	})

	live := &liveHandler{registry: registry}
	r.HandleFunc("/api/live", live.rooms).Methods(http.MethodGet)
	r.HandleFunc("/api/live/{room}/files", live.files).Methods(http.MethodGet)
	r.HandleFunc("/api/live/{room}/tree", live.tree).Methods(http.MethodGet)
	r.HandleFunc("/api/live/{room}/presence", live.presence).Methods(http.MethodGet)
	projectstore.NewHandler(store).Register(r)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("CollabText sync hub running\n"))
	})

	limits := &rateLimits{
		api:    newIPLimiter(rate.Limit(cfg.APIRate), cfg.APIBurst, c, "Too many requests from this IP, please try again later."),
		create: newIPLimiter(rate.Every(time.Minute/5), 5, c, "Too many creation requests, please slow down."),
	}
	r.Use(limits.middleware)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("[api]write response: %s\n", err)
	}
}

// liveHandler answers read-only queries about resident rooms. It never
// creates a room.
type liveHandler struct {
	registry *session.Registry
}

func (h *liveHandler) room(w http.ResponseWriter, r *http.Request) (*session.Room, bool) {
	room, err := h.registry.Lookup(mux.Vars(r)["room"])
	var notFound *session.RoomNotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return nil, false
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return nil, false
	}
	return room, true
}

func (h *liveHandler) rooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"rooms": h.registry.Rooms()})
}

func (h *liveHandler) files(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("content") != "" {
		writeJSON(w, http.StatusOK, map[string]any{"room": room.ID(), "files": room.Snapshot()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room.ID(), "files": room.Files()})
}

func (h *liveHandler) tree(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	nodes := room.Tree()
	if nodes == nil {
		nodes = []*filetree.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *liveHandler) presence(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room.Presence())
}

// rateLimits throttles the HTTP API per client address. Every request under
// /api/rooms also counts against the tighter creation limit.
type rateLimits struct {
	api    *ipLimiter
	create *ipLimiter
}

func (l *rateLimits) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api" {
			if !l.api.allow(r) {
				l.api.reject(w)
				return
			}
			rooms := r.URL.Path == "/api/rooms" || strings.HasPrefix(r.URL.Path, "/api/rooms/")
			if rooms && !l.create.allow(r) {
				l.create.reject(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipLimiter struct {
	limit   rate.Limit
	burst   int
	clock   clock.Clock
	message string

	mu       sync.Mutex
	visitors map[string]*visitor
	swept    time.Time
}

func newIPLimiter(limit rate.Limit, burst int, c clock.Clock, message string) *ipLimiter {
	return &ipLimiter{
		limit:    limit,
		burst:    burst,
		clock:    c,
		message:  message,
		visitors: make(map[string]*visitor),
		swept:    c.Now(),
	}
}

func (l *ipLimiter) allow(r *http.Request) bool {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > visitorTTL {
		for addr, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, addr)
			}
		}
		l.swept = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) reject(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": l.message})
}

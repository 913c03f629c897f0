package projectstore

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

const (
	maxRoomIDLen = 100
	maxNameLen   = 200
)

// Handler serves the project store over HTTP under /api/rooms.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Register adds the routes to r. Put is served for both POST /api/rooms
// (upsert) and PUT or PATCH /api/rooms/{id} (rename).
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/rooms", h.put).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{id}", h.patch).Methods(http.MethodPut, http.MethodPatch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("[api]write response: %s\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	glog.Errorf("[api]%s\n", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	var p Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid files format")
		return
	}
	if p.RoomID == "" || len(p.RoomID) > maxRoomIDLen {
		writeError(w, http.StatusBadRequest, "Invalid roomId")
		return
	}
	if len(p.Name) > maxNameLen {
		writeError(w, http.StatusBadRequest, "Invalid name")
		return
	}
	saved, err := h.store.Put(r.Context(), &p)
	if err != nil {
		h.fail(w, err)
		return
	}
	glog.V(1).Infof("[api]saved %s (%d files)\n", saved.RoomID, len(saved.Files))
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("ownerId")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "Missing ownerId")
		return
	}
	projects, err := h.store.ListByOwner(r.Context(), owner)
	if err != nil {
		h.fail(w, err)
		return
	}
	if projects == nil {
		projects = []*Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	glog.Infof("[api]deleted %s\n", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	var patch Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	if len(patch.Name) > maxNameLen {
		writeError(w, http.StatusBadRequest, "Invalid name")
		return
	}
	p, err := h.store.Patch(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

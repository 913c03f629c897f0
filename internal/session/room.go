package session

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"collabtext/internal/crdt"
	"collabtext/internal/filetree"
	"collabtext/internal/protocol"
)

// Room is one live project: its document, the connections editing it and
// their presence.
type Room struct {
	id string

	// mu serializes the document path: integrate, log, broadcast.
	mu  sync.Mutex
	doc *crdt.Doc

	peersMu   sync.RWMutex
	peers     map[string]Peer
	idleSince time.Time
	// set under Registry.mu once the room left the registry
	evicted bool

	presenceMu sync.Mutex
	presence   *presenceState
}

func newRoom(id string, doc *crdt.Doc, now time.Time) *Room {
	return &Room{
		id:        id,
		doc:       doc,
		peers:     make(map[string]Peer),
		idleSince: now,
		presence:  newPresenceState(),
	}
}

func (room *Room) ID() string {
	return room.id
}

// Snapshot materializes every live file of the room.
func (room *Room) Snapshot() map[string]string {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.doc.Snapshot()
}

func (room *Room) Files() []string {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.doc.Files()
}

func (room *Room) Tree() []*filetree.Node {
	return filetree.Build(room.Files())
}

// StateVector returns the room document's state vector.
func (room *Room) StateVector() crdt.StateVector {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.doc.StateVector()
}

// Connections is the number of joined peers.
func (room *Room) Connections() int {
	room.peersMu.RLock()
	defer room.peersMu.RUnlock()
	return len(room.peers)
}

// PresenceInfo is the presence of one replica as reported by query
// endpoints.
type PresenceInfo struct {
	Replica  crdt.ReplicaID    `json:"replica"`
	Clock    uint64            `json:"clock"`
	Fields   map[string]string `json:"fields"`
	LastSeen time.Time         `json:"lastSeen"`
}

func (room *Room) Presence() []PresenceInfo {
	room.presenceMu.Lock()
	defer room.presenceMu.Unlock()
	infos := make([]PresenceInfo, 0, len(room.presence.entries))
	for replica, e := range room.presence.entries {
		infos = append(infos, PresenceInfo{Replica: replica, Clock: e.clock, Fields: e.fields, LastSeen: e.lastSeen})
	}
	slices.SortFunc(infos, func(a, b PresenceInfo) int {
		switch {
		case a.Replica < b.Replica:
			return -1
		case a.Replica > b.Replica:
			return 1
		}
		return 0
	})
	return infos
}

// broadcast queues msg on every peer but exclude. Peers whose queue is full
// are dropped so they cannot hold the room back.
func (room *Room) broadcast(msg []byte, exclude Peer) {
	room.peersMu.RLock()
	defer room.peersMu.RUnlock()
	for _, p := range room.peers {
		if exclude != nil && p.ID() == exclude.ID() {
			continue
		}
		send(p, msg)
	}
}

func (room *Room) broadcastPresence(deltas []protocol.PresenceDelta, exclude Peer) {
	if len(deltas) == 0 {
		return
	}
	room.broadcast(protocol.Encode(protocol.PresenceUpdate{Deltas: deltas}), exclude)
}

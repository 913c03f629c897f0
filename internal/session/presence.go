package session

import (
	"time"

	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

type presenceEntry struct {
	clock    uint64
	fields   map[string]string
	lastSeen time.Time
	// connection that announced the entry
	peer string
}

// presenceState is the ephemeral presence of a room. Callers hold
// Room.presenceMu.
type presenceState struct {
	entries map[crdt.ReplicaID]*presenceEntry
}

func newPresenceState() *presenceState {
	return &presenceState{entries: make(map[crdt.ReplicaID]*presenceEntry)}
}

// apply merges deltas announced by peer and returns the ones that changed
// the state. A delta wins with a newer clock; a removal also wins at an equal
// clock. A repeated clock only refreshes liveness.
func (s *presenceState) apply(peer string, deltas []protocol.PresenceDelta, now time.Time) []protocol.PresenceDelta {
	var changed []protocol.PresenceDelta
	for _, d := range deltas {
		cur, ok := s.entries[d.Replica]
		if d.Removed() {
			if ok && d.Clock >= cur.clock {
				delete(s.entries, d.Replica)
				changed = append(changed, d)
			}
			continue
		}
		if ok && d.Clock < cur.clock {
			continue
		}
		if ok && d.Clock == cur.clock {
			cur.lastSeen = now
			continue
		}
		s.entries[d.Replica] = &presenceEntry{clock: d.Clock, fields: d.Fields, lastSeen: now, peer: peer}
		changed = append(changed, d)
	}
	return changed
}

// removePeer drops every entry announced by peer.
func (s *presenceState) removePeer(peer string) []protocol.PresenceDelta {
	var removed []protocol.PresenceDelta
	for replica, e := range s.entries {
		if e.peer == peer {
			delete(s.entries, replica)
			removed = append(removed, protocol.PresenceDelta{Replica: replica, Clock: e.clock})
		}
	}
	return removed
}

// expire drops entries not refreshed since before deadline.
func (s *presenceState) expire(deadline time.Time) []protocol.PresenceDelta {
	var removed []protocol.PresenceDelta
	for replica, e := range s.entries {
		if e.lastSeen.Before(deadline) {
			delete(s.entries, replica)
			removed = append(removed, protocol.PresenceDelta{Replica: replica, Clock: e.clock})
		}
	}
	return removed
}

func (s *presenceState) snapshot() []protocol.PresenceDelta {
	deltas := make([]protocol.PresenceDelta, 0, len(s.entries))
	for replica, e := range s.entries {
		deltas = append(deltas, protocol.PresenceDelta{Replica: replica, Clock: e.clock, Fields: e.fields})
	}
	return deltas
}

// Package persist keeps the durable, room scoped update log of the hub and
// replays it into documents.
package persist

import (
	"context"
	"fmt"
	"sync"
)

// Entry is one stored update. Seq increases with every append to a room and
// stays valid until the room is next compacted.
type Entry struct {
	Seq    uint64
	Update []byte
}

// Log is an append-only store of opaque update blobs keyed by room.
type Log interface {
	// Append stores update after every entry already in the room.
	Append(ctx context.Context, room string, update []byte) (uint64, error)
	// Entries returns the room's entries in append order.
	Entries(ctx context.Context, room string) ([]Entry, error)
	// Compact atomically replaces every entry with Seq <= upto by a single
	// snapshot entry. Entries appended after upto are kept.
	Compact(ctx context.Context, room string, upto uint64, snapshot []byte) error
	Close() error
}

// PersistenceError reports a durable log operation that failed.
type PersistenceError struct {
	Op   string
	Room string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist: %s %s: %v", e.Op, e.Room, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// MemoryLog is a Log kept in process memory.
type MemoryLog struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	seq     uint64
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rooms: make(map[string]*memoryRoom)}
}

func (l *MemoryLog) room(name string) *memoryRoom {
	r, ok := l.rooms[name]
	if !ok {
		r = &memoryRoom{}
		l.rooms[name] = r
	}
	return r
}

func (l *MemoryLog) Append(ctx context.Context, room string, update []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(room)
	r.seq++
	r.entries = append(r.entries, Entry{Seq: r.seq, Update: append([]byte(nil), update...)})
	return r.seq, nil
}

func (l *MemoryLog) Entries(ctx context.Context, room string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[room]
	if !ok {
		return nil, nil
	}
	return append([]Entry(nil), r.entries...), nil
}

func (l *MemoryLog) Compact(ctx context.Context, room string, upto uint64, snapshot []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(room)
	kept := []Entry{{Seq: upto, Update: append([]byte(nil), snapshot...)}}
	for _, e := range r.entries {
		if e.Seq > upto {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	return nil
}

func (l *MemoryLog) Close() error {
	return nil
}

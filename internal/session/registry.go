// Package session multiplexes rooms: it owns every live room, joins
// connections to them and runs the apply, log and broadcast path for the
// updates they send.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/persist"
	"collabtext/internal/protocol"
	"collabtext/internal/reconcile"
)

// Close codes sent to peers.
const (
	// CloseResync asks the replica to reconnect and run a fresh handshake.
	CloseResync = 4000
	// CloseProtocol reports an undecodable frame.
	CloseProtocol  = 4002
	CloseGoingAway = 1001
)

// Peer is a connection as seen by a room.
type Peer interface {
	ID() string
	// Send queues msg without blocking and reports whether it was queued.
	Send(msg []byte) bool
	Close(code int, reason string)
}

func send(p Peer, msg []byte) {
	if !p.Send(msg) {
		metrics.DroppedConnections.WithLabelValues("slow").Inc()
		glog.Warningf("[session]%s is not keeping up, asking it to resync\n", p.ID())
		p.Close(CloseResync, "resync")
	}
}

// RoomNotFoundError is returned by queries against a room that is not live.
type RoomNotFoundError struct {
	Room string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room %q not found", e.Room)
}

var (
	ErrClosed      = errors.New("session: registry closed")
	errRoomEvicted = errors.New("session: room evicted")
)

type Options struct {
	// Replica is the hub's replica id in every room document.
	Replica crdt.ReplicaID
	Limits  crdt.Limits
	// PresenceTimeout evicts presence entries without a heartbeat.
	PresenceTimeout time.Duration
	// IdleGrace keeps a room without connections in memory this long.
	IdleGrace     time.Duration
	SweepInterval time.Duration
	SendQueue     int
	Clock         clock.Clock
}

func DefaultOptions(replica crdt.ReplicaID) Options {
	return Options{
		Replica:         replica,
		Limits:          crdt.DefaultLimits(),
		PresenceTimeout: 30 * time.Second,
		IdleGrace:       10 * time.Second,
		SweepInterval:   5 * time.Second,
		SendQueue:       256,
		Clock:           clock.New(),
	}
}

// Registry owns the live rooms.
type Registry struct {
	opts       Options
	adapter    *persist.Adapter
	reconciler *reconcile.Reconciler

	mu      sync.Mutex
	rooms   map[string]*Room
	loading map[string]*load
	closed  bool
}

// load is a room creation other callers can wait on.
type load struct {
	done chan struct{}
	err  error
}

func NewRegistry(adapter *persist.Adapter, reconciler *reconcile.Reconciler, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	return &Registry{
		opts:       opts,
		adapter:    adapter,
		reconciler: reconciler,
		rooms:      make(map[string]*Room),
		loading:    make(map[string]*load),
	}
}

// GetOrCreateRoom returns the live room, creating it on first use: the
// durable log is replayed and an empty document is hydrated from the project
// store before anyone can join. Concurrent callers share one creation.
func (r *Registry) GetOrCreateRoom(ctx context.Context, id string) (*Room, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if room, ok := r.rooms[id]; ok {
			r.mu.Unlock()
			return room, nil
		}
		if l, ok := r.loading[id]; ok {
			r.mu.Unlock()
			select {
			case <-l.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if l.err != nil {
				// the creator gave up on its own context; load again under ours
				if isContextErr(l.err) && ctx.Err() == nil {
					continue
				}
				return nil, l.err
			}
			continue
		}
		l := &load{done: make(chan struct{})}
		r.loading[id] = l
		r.mu.Unlock()

		room, err := r.create(ctx, id)

		r.mu.Lock()
		delete(r.loading, id)
		if err == nil {
			r.rooms[id] = room
			metrics.Rooms.Inc()
		}
		r.mu.Unlock()
		l.err = err
		close(l.done)
		return room, err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Registry) create(ctx context.Context, id string) (*Room, error) {
	doc, err := r.adapter.LoadDocument(ctx, id, r.opts.Replica, r.opts.Limits)
	if err != nil {
		return nil, err
	}
	seed, err := r.reconciler.Hydrate(ctx, id, doc)
	if err != nil {
		glog.Errorf("[session]%s\n", err)
	}
	if seed != nil {
		r.adapter.StoreUpdate(id, seed)
	}
	glog.Infof("[session]room %s created (%d files)\n", id, len(doc.Files()))
	return newRoom(id, doc, r.opts.Clock.Now()), nil
}

// Lookup returns a live room without creating it.
func (r *Registry) Lookup(id string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, &RoomNotFoundError{Room: id}
	}
	return room, nil
}

// Rooms returns the ids of the live rooms.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Join adds p to the room and opens the handshake by sending the room's
// state vector, followed by the current presence.
func (r *Registry) Join(room *Room, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if room.evicted {
		return errRoomEvicted
	}

	room.mu.Lock()
	room.peersMu.Lock()
	room.peers[p.ID()] = p
	room.peersMu.Unlock()
	send(p, protocol.Encode(protocol.SyncStep1{StateVector: room.doc.StateVector()}))
	room.mu.Unlock()

	room.presenceMu.Lock()
	present := room.presence.snapshot()
	room.presenceMu.Unlock()
	if len(present) > 0 {
		send(p, protocol.Encode(protocol.PresenceUpdate{Deltas: present}))
	}

	metrics.Connections.Inc()
	glog.Infof("[session]%s joined %s\n", p.ID(), room.id)
	return nil
}

// Leave removes p from the room and withdraws the presence it announced.
func (r *Registry) Leave(room *Room, p Peer) {
	room.peersMu.Lock()
	if _, ok := room.peers[p.ID()]; !ok {
		room.peersMu.Unlock()
		return
	}
	delete(room.peers, p.ID())
	if len(room.peers) == 0 {
		room.idleSince = r.opts.Clock.Now()
	}
	room.peersMu.Unlock()
	metrics.Connections.Dec()
	glog.Infof("[session]%s left %s\n", p.ID(), room.id)

	room.presenceMu.Lock()
	removed := room.presence.removePeer(p.ID())
	room.presenceMu.Unlock()
	room.broadcastPresence(removed, nil)

	if r.opts.IdleGrace <= 0 {
		r.tryEvict(room, r.opts.Clock.Now())
	}
}

// Broadcast sends msg to every connection of the room except exclude.
func (r *Registry) Broadcast(room *Room, msg []byte, exclude Peer) {
	room.broadcast(msg, exclude)
}

// HandleMessage processes one frame received from p. A frame that cannot be
// decoded closes p and is reported; the room is unaffected.
func (r *Registry) HandleMessage(room *Room, p Peer, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.reject(p, err)
		return err
	}
	switch m := msg.(type) {
	case protocol.SyncStep1:
		room.mu.Lock()
		send(p, protocol.Encode(protocol.SyncStep2{Update: room.doc.EncodeDelta(m.StateVector)}))
		room.mu.Unlock()
	case protocol.SyncStep2:
		return r.apply(room, p, m.Update)
	case protocol.SyncUpdate:
		return r.apply(room, p, m.Update)
	case protocol.PresenceUpdate:
		room.presenceMu.Lock()
		changed := room.presence.apply(p.ID(), m.Deltas, r.opts.Clock.Now())
		room.presenceMu.Unlock()
		room.broadcastPresence(changed, p)
	case protocol.Notice:
		glog.V(2).Infof("[session]ignoring %s notice from %s\n", m.Code, p.ID())
	}
	return nil
}

func (r *Registry) reject(p Peer, err error) {
	metrics.Updates.WithLabelValues("malformed").Inc()
	metrics.DroppedConnections.WithLabelValues("protocol").Inc()
	glog.Warningf("[session]closing %s: %s\n", p.ID(), err)
	p.Send(protocol.Encode(protocol.Notice{Code: protocol.NoticeProtocol, Text: err.Error()}))
	p.Close(CloseProtocol, "protocol error")
}

// apply integrates an update from p, appends what it changed to the durable
// log and fans it out, all under the room lock so broadcast order is log
// order.
func (r *Registry) apply(room *Room, p Peer, update []byte) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	res, err := room.doc.Integrate(update)
	if errors.Is(err, crdt.ErrMalformedUpdate) {
		r.reject(p, &protocol.ProtocolError{Reason: "bad update", Err: err})
		return err
	}

	if res.Changed() {
		metrics.Updates.WithLabelValues("applied").Inc()
		r.adapter.StoreUpdate(room.id, res.All().Encode())
		if !res.Applied.Empty() {
			room.broadcast(protocol.Encode(protocol.SyncUpdate{Update: res.Applied.Encode()}), p)
		}
		if !res.Released.Empty() {
			room.broadcast(protocol.Encode(protocol.SyncUpdate{Update: res.Released.Encode()}), nil)
		}
		r.reconciler.Touch(room.id, room)
	} else if room.doc.Pending() > 0 {
		metrics.Updates.WithLabelValues("buffered").Inc()
	}

	var capErr *crdt.CapacityError
	if errors.As(err, &capErr) {
		metrics.Updates.WithLabelValues("rejected").Inc()
		glog.V(1).Infof("[session]%s in %s: %s\n", p.ID(), room.id, capErr)
		send(p, protocol.Encode(protocol.Notice{Code: protocol.NoticeCapacity, Text: capErr.Error()}))
	}
	var gap *crdt.CausalGapError
	if errors.As(err, &gap) {
		glog.Warningf("[session]%s in %s: %s\n", p.ID(), room.id, gap)
		send(p, protocol.Encode(protocol.Notice{Code: protocol.NoticeResync, Text: gap.Error()}))
		send(p, protocol.Encode(protocol.SyncStep1{StateVector: room.doc.StateVector()}))
	}
	return nil
}

// Run sweeps expired presence and idle rooms until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := r.opts.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(r.opts.Clock.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		if r.opts.PresenceTimeout > 0 {
			room.presenceMu.Lock()
			expired := room.presence.expire(now.Add(-r.opts.PresenceTimeout))
			room.presenceMu.Unlock()
			if len(expired) > 0 {
				glog.V(1).Infof("[session]%d presence entries expired in %s\n", len(expired), room.id)
			}
			room.broadcastPresence(expired, nil)
		}
		r.tryEvict(room, now)
	}
}

// tryEvict drops the room from memory once it has no connections, nothing
// left to write and no push pending, and compacts its log in the background.
func (r *Registry) tryEvict(room *Room, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room.evicted || r.rooms[room.id] != room {
		return
	}
	room.peersMu.RLock()
	idle := len(room.peers) == 0 && now.Sub(room.idleSince) >= r.opts.IdleGrace
	room.peersMu.RUnlock()
	if !idle || r.adapter.Pending(room.id) || r.reconciler.Pending(room.id) {
		return
	}
	room.evicted = true
	delete(r.rooms, room.id)
	metrics.Rooms.Dec()
	glog.Infof("[session]room %s evicted\n", room.id)

	go func() {
		if err := r.adapter.Compact(context.Background(), room.id); err != nil && !errors.Is(err, persist.ErrClosed) {
			glog.Warningf("[session]compact %s: %s\n", room.id, err)
		}
	}()
}

// Close disconnects every peer and waits for pending pushes to the project
// store.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.peersMu.RLock()
		for _, p := range room.peers {
			p.Close(CloseGoingAway, "server shutting down")
		}
		room.peersMu.RUnlock()
	}
	return r.reconciler.Flush(ctx)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"

	"collabtext/internal/crdt"
	"collabtext/internal/persist"
	"collabtext/internal/projectstore"
	"collabtext/internal/protocol"
	"collabtext/internal/reconcile"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	msgs   []protocol.Message
	full   bool
	closed bool
	code   int
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	m, err := protocol.Decode(msg)
	if err != nil {
		panic(err)
	}
	p.msgs = append(p.msgs, m)
	return true
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.code = code
	}
}

// take returns and forgets the messages received so far.
func (p *fakePeer) take() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs
	p.msgs = nil
	return msgs
}

func (p *fakePeer) closeCode() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.code
}

type harness struct {
	reg     *Registry
	log     *persist.MemoryLog
	adapter *persist.Adapter
	rec     *reconcile.Reconciler
	store   projectstore.Store
	clock   *clock.Mock
}

func newHarness(t *testing.T, limits crdt.Limits) *harness {
	return newHarnessWithStore(t, limits, projectstore.NewMemoryStore(nil))
}

func newHarnessWithStore(t *testing.T, limits crdt.Limits, store projectstore.Store) *harness {
	c := clock.NewMock()
	log := persist.NewMemoryLog()
	adapter := persist.NewAdapter(log, persist.Options{})
	rec := reconcile.New(store, 2*time.Second, c)
	opts := DefaultOptions(100)
	opts.Limits = limits
	opts.Clock = c
	opts.IdleGrace = 0
	t.Cleanup(func() {
		adapter.Close(context.Background())
	})
	return &harness{
		reg:     NewRegistry(adapter, rec, opts),
		log:     log,
		adapter: adapter,
		rec:     rec,
		store:   store,
		clock:   c,
	}
}

// replica is a test participant: a peer plus its local document.
type replica struct {
	*fakePeer
	doc *crdt.Doc
}

func (h *harness) join(t *testing.T, room *Room, id string, replicaID crdt.ReplicaID) *replica {
	r := &replica{fakePeer: newPeer(id), doc: crdt.NewDoc(replicaID, crdt.DefaultLimits())}
	assert.Equal(t, h.reg.Join(room, r), nil)

	msgs := r.take()
	step1, ok := msgs[0].(protocol.SyncStep1)
	assert.Equal(t, ok, true)
	assert.Equal(t, step1.StateVector, room.StateVector())
	assert.Equal(t, h.reg.HandleMessage(room, r, protocol.Encode(protocol.SyncStep2{Update: r.doc.EncodeDelta(step1.StateVector)})), nil)

	assert.Equal(t, h.reg.HandleMessage(room, r, protocol.Encode(protocol.SyncStep1{StateVector: r.doc.StateVector()})), nil)
	for _, m := range r.take() {
		if step2, ok := m.(protocol.SyncStep2); ok {
			assert.Equal(t, r.doc.Merge(step2.Update), nil)
		}
	}
	return r
}

// edit applies a local edit and sends it to the room.
func (h *harness) edit(t *testing.T, room *Room, r *replica, e crdt.Edit) []byte {
	data, err := r.doc.ApplyLocal(e)
	assert.Equal(t, err, nil)
	assert.Equal(t, h.reg.HandleMessage(room, r, protocol.Encode(protocol.SyncUpdate{Update: data})), nil)
	return data
}

// receive merges every update r was sent and returns the other messages.
func (r *replica) receive(t *testing.T) []protocol.Message {
	var other []protocol.Message
	for _, m := range r.take() {
		switch m := m.(type) {
		case protocol.SyncUpdate:
			_, err := r.doc.Integrate(m.Update)
			assert.Equal(t, err, nil)
		case protocol.SyncStep2:
			_, err := r.doc.Integrate(m.Update)
			assert.Equal(t, err, nil)
		default:
			other = append(other, m)
		}
	}
	return other
}

func TestHandshakeHydratesFromTemplate(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Snapshot(), reconcile.DefaultTemplate())

	a := h.join(t, room, "a", 1)
	assert.Equal(t, a.doc.Snapshot(), reconcile.DefaultTemplate())
	assert.Equal(t, room.Connections(), 1)

	// the seed reached the durable log
	assert.Equal(t, h.adapter.Flush(context.Background()), nil)
	entries, err := h.log.Entries(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 1)
}

func TestHydrateFromStore(t *testing.T) {
	store := projectstore.NewMemoryStore(nil)
	_, err := store.Put(context.Background(), &projectstore.Project{RoomID: "r1", Files: map[string]string{"main.go": "package main"}})
	assert.Equal(t, err, nil)
	h := newHarnessWithStore(t, crdt.DefaultLimits(), store)

	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, room.Files(), []string{"main.go"})
	assert.Equal(t, len(room.Tree()), 1)
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)

	h.edit(t, room, a, crdt.Edit{Kind: crdt.EditInsert, Path: "index.js", Index: 0, Text: "/* a */"})
	assert.Equal(t, len(a.take()), 0)
	assert.Equal(t, len(b.receive(t)), 0)
	assert.Equal(t, b.doc.Snapshot(), a.doc.Snapshot())
	assert.Equal(t, room.Snapshot(), a.doc.Snapshot())
	assert.Equal(t, h.rec.Pending("r1"), true)

	assert.Equal(t, h.adapter.Flush(context.Background()), nil)
	entries, err := h.log.Entries(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 2)

	// resending known state changes nothing and is not logged again
	assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncUpdate{Update: a.doc.EncodeState()})), nil)
	assert.Equal(t, len(b.take()), 0)
	assert.Equal(t, h.adapter.Flush(context.Background()), nil)
	entries, err = h.log.Entries(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 2)
}

func TestConcurrentEditsConverge(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)

	// both type at the start of the same file before seeing each other
	ua, err := a.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditInsert, Path: "index.js", Text: "A"})
	assert.Equal(t, err, nil)
	ub, err := b.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditInsert, Path: "index.js", Text: "B"})
	assert.Equal(t, err, nil)
	assert.Equal(t, h.reg.HandleMessage(room, b, protocol.Encode(protocol.SyncUpdate{Update: ub})), nil)
	assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncUpdate{Update: ua})), nil)
	a.receive(t)
	b.receive(t)

	assert.Equal(t, a.doc.Materialize("index.js"), b.doc.Materialize("index.js"))
	assert.Equal(t, room.Snapshot(), a.doc.Snapshot())
	assert.Equal(t, a.doc.Materialize("index.js")[:2], "AB")
}

func TestCapacityNoticeGoesToOriginOnly(t *testing.T) {
	limits := crdt.DefaultLimits()
	limits.MaxFiles = 2
	h := newHarness(t, limits)
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)

	h.edit(t, room, a, crdt.Edit{Kind: crdt.EditCreate, Path: "third.js"})
	msgs := a.take()
	assert.Equal(t, len(msgs), 1)
	notice, ok := msgs[0].(protocol.Notice)
	assert.Equal(t, ok, true)
	assert.Equal(t, notice.Code, protocol.NoticeCapacity)
	assert.Equal(t, len(b.take()), 0)
	assert.Equal(t, room.Files(), []string{"index.js", "src/utils.js"})
	closed, _ := a.closeCode()
	assert.Equal(t, closed, false)
}

func TestMalformedFrameClosesOnlyOrigin(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)
	c := h.join(t, room, "c", 3)

	err = h.reg.HandleMessage(room, a, []byte{9, 9})
	var perr *protocol.ProtocolError
	assert.Equal(t, errors.As(err, &perr), true)
	closed, code := a.closeCode()
	assert.Equal(t, closed, true)
	assert.Equal(t, code, CloseProtocol)
	notice := a.take()[0].(protocol.Notice)
	assert.Equal(t, notice.Code, protocol.NoticeProtocol)

	// a well framed but corrupt update is rejected the same way
	err = h.reg.HandleMessage(room, b, protocol.Encode(protocol.SyncUpdate{Update: []byte{1, 5}}))
	assert.NotEqual(t, err, nil)
	closed, code = b.closeCode()
	assert.Equal(t, closed, true)
	assert.Equal(t, code, CloseProtocol)

	// the room keeps working for everyone else
	h.reg.Leave(room, a)
	h.reg.Leave(room, b)
	h.edit(t, room, c, crdt.Edit{Kind: crdt.EditReplace, Path: "index.js", Text: "still fine"})
	assert.Equal(t, room.Snapshot()["index.js"], "still fine")
}

func TestSlowPeerIsDropped(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)
	c := h.join(t, room, "c", 3)

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()
	h.edit(t, room, a, crdt.Edit{Kind: crdt.EditInsert, Path: "index.js", Text: "x"})

	closed, code := b.closeCode()
	assert.Equal(t, closed, true)
	assert.Equal(t, code, CloseResync)
	c.receive(t)
	assert.Equal(t, c.doc.Snapshot(), a.doc.Snapshot())
}

func TestBufferedOpsReleasedToEveryone(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)

	base, err := a.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditCreate, Path: "new.txt", Text: "base"})
	assert.Equal(t, err, nil)
	next, err := a.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditInsert, Path: "new.txt", Index: 4, Text: "+next"})
	assert.Equal(t, err, nil)

	assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncUpdate{Update: next})), nil)
	assert.Equal(t, len(b.take()), 0)
	assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncUpdate{Update: base})), nil)

	// a gets back only the ops released from the buffer
	assert.Equal(t, len(a.take()), 1)
	b.receive(t)
	assert.Equal(t, b.doc.Materialize("new.txt"), "base+next")
	assert.Equal(t, room.Snapshot()["new.txt"], "base+next")
}

func TestCausalGapAsksForResync(t *testing.T) {
	limits := crdt.DefaultLimits()
	limits.MaxPending = 2
	h := newHarness(t, limits)
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)

	_, err = a.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditCreate, Path: "gap.txt", Text: "0"})
	assert.Equal(t, err, nil)
	for i := 1; i <= 3; i++ {
		u, err := a.doc.ApplyLocal(crdt.Edit{Kind: crdt.EditInsert, Path: "gap.txt", Index: i, Text: fmt.Sprint(i)})
		assert.Equal(t, err, nil)
		assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncUpdate{Update: u})), nil)
	}

	msgs := a.take()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[0].(protocol.Notice).Code, protocol.NoticeResync)
	step1 := msgs[1].(protocol.SyncStep1)

	assert.Equal(t, h.reg.HandleMessage(room, a, protocol.Encode(protocol.SyncStep2{Update: a.doc.EncodeDelta(step1.StateVector)})), nil)
	assert.Equal(t, room.Snapshot()["gap.txt"], "0123")
}

func TestPresence(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(context.Background(), "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	b := h.join(t, room, "b", 2)

	announce := func(r *replica, clock uint64, fields map[string]string) {
		msg := protocol.Encode(protocol.PresenceUpdate{Deltas: []protocol.PresenceDelta{{Replica: r.doc.Replica(), Clock: clock, Fields: fields}}})
		assert.Equal(t, h.reg.HandleMessage(room, r, msg), nil)
	}

	announce(a, 2, map[string]string{"name": "ada"})
	got := b.take()
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].(protocol.PresenceUpdate).Deltas[0].Fields["name"], "ada")
	assert.Equal(t, len(a.take()), 0)

	// stale clocks are ignored
	announce(a, 1, map[string]string{"name": "old"})
	assert.Equal(t, len(b.take()), 0)
	assert.Equal(t, room.Presence()[0].Fields["name"], "ada")

	// a late joiner receives the current presence
	c := newPeer("c")
	assert.Equal(t, h.reg.Join(room, c), nil)
	msgs := c.take()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[1].(protocol.PresenceUpdate).Deltas[0].Replica, crdt.ReplicaID(1))

	// leaving withdraws the presence
	h.reg.Leave(room, a)
	got = b.take()
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].(protocol.PresenceUpdate).Deltas[0].Removed(), true)
	assert.Equal(t, len(room.Presence()), 0)

	// entries without heartbeat expire
	announce(b, 1, map[string]string{"name": "bob"})
	h.clock.Add(20 * time.Second)
	announce(b, 1, map[string]string{"name": "bob"})
	h.clock.Add(20 * time.Second)
	h.reg.sweep(h.clock.Now())
	assert.Equal(t, len(room.Presence()), 1)
	h.clock.Add(20 * time.Second)
	h.reg.sweep(h.clock.Now())
	assert.Equal(t, len(room.Presence()), 0)
	removal := c.take()
	assert.Equal(t, removal[len(removal)-1].(protocol.PresenceUpdate).Deltas[0].Removed(), true)
}

func TestEvictionAndReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, crdt.DefaultLimits())
	room, err := h.reg.GetOrCreateRoom(ctx, "r1")
	assert.Equal(t, err, nil)
	a := h.join(t, room, "a", 1)
	h.edit(t, room, a, crdt.Edit{Kind: crdt.EditCreate, Path: "notes.md", Text: "# notes"})
	h.edit(t, room, a, crdt.Edit{Kind: crdt.EditRename, Path: "index.js", NewPath: "main.js"})
	before := room.Snapshot()

	// a push is still pending, so the room stays
	h.reg.Leave(room, a)
	assert.Equal(t, h.rec.Pending("r1"), true)
	_, err = h.reg.Lookup("r1")
	assert.Equal(t, err, nil)

	assert.Equal(t, h.rec.Flush(ctx), nil)
	assert.Equal(t, h.adapter.Flush(ctx), nil)
	h.reg.sweep(h.clock.Now())
	_, err = h.reg.Lookup("r1")
	var nf *RoomNotFoundError
	assert.Equal(t, errors.As(err, &nf), true)
	assert.Equal(t, h.reg.Join(room, newPeer("late")), errRoomEvicted)

	p, err := h.store.Get(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, p.Files, before)

	again, err := h.reg.GetOrCreateRoom(ctx, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, again != room, true)
	assert.Equal(t, again.Snapshot(), before)
}

// countingStore counts reads.
type countingStore struct {
	*projectstore.MemoryStore
	mu   sync.Mutex
	gets int
}

func (s *countingStore) Get(ctx context.Context, roomID string) (*projectstore.Project, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStore.Get(ctx, roomID)
}

func TestConcurrentCreateSharesOneLoad(t *testing.T) {
	store := &countingStore{MemoryStore: projectstore.NewMemoryStore(nil)}
	h := newHarnessWithStore(t, crdt.DefaultLimits(), store)

	rooms := make([]*Room, 8)
	var wg sync.WaitGroup
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := h.reg.GetOrCreateRoom(context.Background(), "shared")
			if err != nil {
				t.Error(err)
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()
	for _, room := range rooms {
		assert.Equal(t, room == rooms[0], true)
	}
	assert.Equal(t, store.gets, 1)
	assert.Equal(t, len(rooms[0].Files()), 2)
}

func TestLookupNeverCreates(t *testing.T) {
	h := newHarness(t, crdt.DefaultLimits())
	_, err := h.reg.Lookup("nope")
	var nf *RoomNotFoundError
	assert.Equal(t, errors.As(err, &nf), true)
	assert.Equal(t, nf.Room, "nope")
	assert.Equal(t, len(h.reg.Rooms()), 0)
}

// stallingLog holds its first read until the reader gives up.
type stallingLog struct {
	*persist.MemoryLog
	entered chan struct{}
	once    sync.Once
}

func (l *stallingLog) Entries(ctx context.Context, room string) ([]persist.Entry, error) {
	first := false
	l.once.Do(func() { first = true })
	if first {
		close(l.entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return l.MemoryLog.Entries(ctx, room)
}

func TestCanceledCreatorDoesNotFailWaiters(t *testing.T) {
	log := &stallingLog{MemoryLog: persist.NewMemoryLog(), entered: make(chan struct{})}
	adapter := persist.NewAdapter(log, persist.Options{})
	t.Cleanup(func() { adapter.Close(context.Background()) })
	rec := reconcile.New(projectstore.NewMemoryStore(nil), time.Second, clock.NewMock())
	reg := NewRegistry(adapter, rec, DefaultOptions(100))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreateRoom(ctx, "r1")
		first <- err
	}()
	<-log.entered

	type created struct {
		room *Room
		err  error
	}
	second := make(chan created, 1)
	go func() {
		room, err := reg.GetOrCreateRoom(context.Background(), "r1")
		second <- created{room, err}
	}()
	// let the second caller park on the first one's load
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, errors.Is(<-first, context.Canceled), true)
	got := <-second
	assert.Equal(t, got.err, nil)
	assert.Equal(t, got.room.Files(), []string{"index.js", "src/utils.js"})
	room, err := reg.Lookup("r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, room == got.room, true)
}

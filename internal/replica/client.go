// Package replica is the client side of the sync protocol: a local copy of a
// room's document kept in step with a hub over a websocket.
package replica

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"collabtext/internal/crdt"
	"collabtext/internal/filetree"
	"collabtext/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// errReset ends a connection after the local document was discarded.
var errReset = errors.New("replica: document reset, resyncing")

type Options struct {
	// Replica is the local replica id; zero picks a random one.
	Replica crdt.ReplicaID
	Limits  crdt.Limits
	// Heartbeat is how often presence is re-announced. It must stay below the
	// hub's presence timeout.
	Heartbeat  time.Duration
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
	Clock      clock.Clock
	// OnChange is called after remote changes were applied.
	OnChange func()
}

func DefaultOptions() Options {
	return Options{
		Heartbeat:  10 * time.Second,
		NewBackOff: defaultBackOff,
		Dialer:     websocket.DefaultDialer,
		Clock:      clock.New(),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Peer is another replica present in the room.
type Peer struct {
	Replica crdt.ReplicaID
	Fields  map[string]string
}

// Client keeps a local document in sync with one room of a hub. Edits are
// applied locally first and sent when connected; edits made offline reach
// the hub in the handshake of the next connection.
type Client struct {
	url  string
	room string
	opts Options

	mu     sync.Mutex
	doc    *crdt.Doc
	ws     *websocket.Conn
	synced chan struct{}
	ready  bool
	peers  map[crdt.ReplicaID]map[string]string
	fields map[string]string
	// presence clock of the local replica
	pclock uint64
}

// New returns a client for room on hub, which is a host:port or an http(s)
// or ws(s) URL. Nothing is dialed until Run.
func New(hub, room string, opts Options) (*Client, error) {
	u, err := wsURL(hub, room)
	if err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = def.NewBackOff
	}
	if opts.Dialer == nil {
		opts.Dialer = def.Dialer
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Replica == 0 {
		opts.Replica = crdt.NewReplicaID()
	}
	return &Client{
		url:    u,
		room:   room,
		opts:   opts,
		doc:    crdt.NewDoc(opts.Replica, opts.Limits),
		synced: make(chan struct{}),
		peers:  make(map[crdt.ReplicaID]map[string]string),
	}, nil
}

func wsURL(hub, room string) (string, error) {
	if !strings.Contains(hub, "://") {
		hub = "ws://" + hub
	}
	u, err := url.Parse(hub)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("replica: unsupported hub scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(room)
	return u.String(), nil
}

func (c *Client) Room() string {
	return c.room
}

// Replica returns the current replica id. It changes when the hub refuses a
// local edit and the document is reset.
func (c *Client) Replica() crdt.ReplicaID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Replica()
}

// Run connects to the hub and keeps reconnecting with backoff until ctx is
// done.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.WithContext(c.opts.NewBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		err := c.connect(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, b, func(err error, wait time.Duration) {
		glog.Warningf("[replica]%s: %s, reconnecting in %s\n", c.room, err, wait)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// connect serves one connection until it drops.
func (c *Client) connect(ctx context.Context, b backoff.BackOff) error {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	err = c.sendLocked(protocol.SyncStep1{StateVector: c.doc.StateVector()})
	c.mu.Unlock()
	defer c.disconnected()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeat(stop)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			ws.Close()
		case <-stop:
		}
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[replica]%s: %s\n", c.room, err)
			continue
		}
		if err := c.handle(msg, b); err != nil {
			return err
		}
	}
}

func (c *Client) disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = nil
	if c.ready {
		c.synced = make(chan struct{})
		c.ready = false
	}
	c.peers = make(map[crdt.ReplicaID]map[string]string)
}

func (c *Client) handle(msg protocol.Message, b backoff.BackOff) error {
	c.mu.Lock()
	changed := false
	var err error
	switch m := msg.(type) {
	case protocol.SyncStep1:
		err = c.sendLocked(protocol.SyncStep2{Update: c.doc.EncodeDelta(m.StateVector)})
	case protocol.SyncStep2:
		changed = c.integrateLocked(m.Update)
		if !c.ready {
			c.ready = true
			close(c.synced)
			b.Reset()
			glog.Infof("[replica]%s synced as %d (%d files)\n", c.room, c.doc.Replica(), len(c.doc.Files()))
		}
		err = c.announceLocked()
	case protocol.SyncUpdate:
		changed = c.integrateLocked(m.Update)
	case protocol.PresenceUpdate:
		for _, d := range m.Deltas {
			if d.Replica == c.doc.Replica() {
				continue
			}
			if d.Removed() {
				delete(c.peers, d.Replica)
			} else {
				c.peers[d.Replica] = d.Fields
			}
		}
		changed = true
	case protocol.Notice:
		switch m.Code {
		case protocol.NoticeCapacity:
			glog.Warningf("[replica]%s: hub refused an edit: %s\n", c.room, m.Text)
			c.resetLocked()
			err = errReset
		case protocol.NoticeResync:
			glog.V(1).Infof("[replica]%s: %s\n", c.room, m.Text)
		default:
			glog.Warningf("[replica]%s: hub reported %s: %s\n", c.room, m.Code, m.Text)
		}
	}
	c.mu.Unlock()

	if changed && c.opts.OnChange != nil {
		c.opts.OnChange()
	}
	return err
}

func (c *Client) integrateLocked(update []byte) bool {
	res, err := c.doc.Integrate(update)
	var gap *crdt.CausalGapError
	if errors.As(err, &gap) {
		glog.Warningf("[replica]%s: %s\n", c.room, gap)
		c.sendLocked(protocol.SyncStep1{StateVector: c.doc.StateVector()})
	} else if err != nil {
		glog.Warningf("[replica]%s: %s\n", c.room, err)
	}
	return res.Changed()
}

// resetLocked discards the local document after the hub refused one of its
// edits. The hub already counts the refused clocks as seen, so the document
// restarts under a fresh replica id and is rebuilt from the hub's state.
func (c *Client) resetLocked() {
	old := c.doc.Replica()
	c.doc = crdt.NewDoc(crdt.NewReplicaID(), c.opts.Limits)
	c.pclock = 0
	if c.ready {
		c.synced = make(chan struct{})
		c.ready = false
	}
	glog.Infof("[replica]%s: replica %d reset to %d\n", c.room, old, c.doc.Replica())
}

func (c *Client) sendLocked(msg protocol.Message) error {
	if c.ws == nil {
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(msg))
}

func (c *Client) heartbeat(stop chan struct{}) {
	ticker := c.opts.Clock.Ticker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.announceLocked()
			c.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (c *Client) announceLocked() error {
	if c.fields == nil {
		return nil
	}
	return c.sendLocked(protocol.PresenceUpdate{Deltas: []protocol.PresenceDelta{{
		Replica: c.doc.Replica(),
		Clock:   c.pclock,
		Fields:  c.fields,
	}}})
}

// SetPresence announces fields (cursor, name, ...) to the other replicas.
func (c *Client) SetPresence(fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = maps.Clone(fields)
	if c.fields == nil {
		c.fields = map[string]string{}
	}
	c.pclock++
	return c.announceLocked()
}

// Synced reports whether the current connection completed its handshake.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// WaitSynced blocks until the current or next connection completes its
// handshake.
func (c *Client) WaitSynced(ctx context.Context) error {
	c.mu.Lock()
	ch := c.synced
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply performs a local edit and sends it to the hub when connected.
func (c *Client) Apply(e crdt.Edit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.doc.ApplyLocal(e)
	if data != nil {
		if serr := c.sendLocked(protocol.SyncUpdate{Update: data}); serr != nil {
			glog.V(1).Infof("[replica]%s: send: %s\n", c.room, serr)
		}
	}
	return err
}

func (c *Client) Insert(path string, index int, text string) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditInsert, Path: path, Index: index, Text: text})
}

func (c *Client) Delete(path string, index, length int) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditDelete, Path: path, Index: index, Length: length})
}

func (c *Client) CreateFile(path, content string) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditCreate, Path: path, Text: content})
}

func (c *Client) RemoveFile(path string) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditRemove, Path: path})
}

func (c *Client) Rename(from, to string) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditRename, Path: from, NewPath: to})
}

func (c *Client) Replace(path, content string) error {
	return c.Apply(crdt.Edit{Kind: crdt.EditReplace, Path: path, Text: content})
}

func (c *Client) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Snapshot()
}

func (c *Client) Materialize(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.doc.HasFile(path) {
		return "", false
	}
	return c.doc.Materialize(path), true
}

func (c *Client) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Files()
}

func (c *Client) Tree() []*filetree.Node {
	return filetree.Build(c.Files())
}

// Peers returns the other replicas present in the room, by replica id.
func (c *Client) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]Peer, 0, len(c.peers))
	for id, fields := range c.peers {
		peers = append(peers, Peer{Replica: id, Fields: fields})
	}
	slices.SortFunc(peers, func(a, b Peer) int {
		switch {
		case a.Replica < b.Replica:
			return -1
		case a.Replica > b.Replica:
			return 1
		}
		return 0
	})
	return peers
}

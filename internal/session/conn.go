package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a websocket connection to one replica. Outbound frames go through a
// bounded queue drained by writePump; Send never blocks.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, queue int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close makes writePump flush a close frame and shut the connection. Only the
// first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = reason
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes the frames queued before Close, so a notice sent right before
// closing still reaches the replica.
func (c *Conn) flush() {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) readPump(fn func([]byte) error, limit int64) {
	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(1).Infof("[session]%s read: %s\n", c.id, err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if err := fn(msg); err != nil {
			return
		}
	}
}

// ServeWS upgrades the request and serves the connection as a replica of
// room until it goes away.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, roomID string) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Warningf("[session]upgrade: %s\n", err)
		return
	}
	c := newConn(ws, r.opts.SendQueue)
	go c.writePump()

	var room *Room
	for {
		room, err = r.GetOrCreateRoom(req.Context(), roomID)
		if err == nil {
			err = r.Join(room, c)
		}
		if err != errRoomEvicted {
			break
		}
	}
	if err != nil {
		glog.Errorf("[session]%s: %s\n", roomID, err)
		c.Close(websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	c.readPump(func(msg []byte) error {
		return r.HandleMessage(room, c, msg)
	}, r.readLimit())
	r.Leave(room, c)
	c.Close(websocket.CloseNormalClosure, "")
}

// readLimit bounds a frame by what a full project may take on the wire.
func (r *Registry) readLimit() int64 {
	files, size := r.opts.Limits.MaxFiles, r.opts.Limits.MaxFileBytes
	if files > 0 && size > 0 {
		return int64(files)*int64(size)*4 + 64<<10
	}
	return 256 << 20
}

// Package protocol implements the binary framing exchanged on a room's sync
// channel. Every frame is a varint message type followed by a type specific
// payload.
package protocol

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"collabtext/internal/crdt"
)

type MessageType uint64

const (
	TypeSync     MessageType = 0
	TypePresence MessageType = 1
	TypeNotice   MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypePresence:
		return "presence"
	case TypeNotice:
		return "notice"
	default:
		return fmt.Sprintf("type(%d)", uint64(t))
	}
}

// sync steps
const (
	stepStateVector = 0
	stepDelta       = 1
	stepUpdate      = 2
)

// Message is one decoded frame: SyncStep1, SyncStep2, SyncUpdate,
// PresenceUpdate or Notice.
type Message interface {
	Type() MessageType
}

// SyncStep1 opens the handshake with the sender's state vector.
type SyncStep1 struct {
	StateVector crdt.StateVector
}

// SyncStep2 answers a SyncStep1 with the update the peer is missing.
type SyncStep2 struct {
	Update []byte
}

// SyncUpdate carries an ongoing document update.
type SyncUpdate struct {
	Update []byte
}

// PresenceUpdate carries presence deltas.
type PresenceUpdate struct {
	Deltas []PresenceDelta
}

// PresenceDelta sets the presence fields of a replica. Nil Fields removes the
// replica's entry.
type PresenceDelta struct {
	Replica crdt.ReplicaID
	Clock   uint64
	Fields  map[string]string
}

func (d PresenceDelta) Removed() bool {
	return d.Fields == nil
}

type NoticeCode uint64

const (
	// NoticeCapacity reports an edit rejected by a document limit.
	NoticeCapacity NoticeCode = 1
	// NoticeProtocol reports an undecodable frame; the connection is closed.
	NoticeProtocol NoticeCode = 2
	// NoticeResync asks the replica to run a fresh handshake.
	NoticeResync NoticeCode = 3
)

func (c NoticeCode) String() string {
	switch c {
	case NoticeCapacity:
		return "capacity"
	case NoticeProtocol:
		return "protocol"
	case NoticeResync:
		return "resync"
	default:
		return fmt.Sprintf("notice(%d)", uint64(c))
	}
}

// Notice is a server to replica rejection message.
type Notice struct {
	Code NoticeCode
	Text string
}

func (SyncStep1) Type() MessageType      { return TypeSync }
func (SyncStep2) Type() MessageType      { return TypeSync }
func (SyncUpdate) Type() MessageType     { return TypeSync }
func (PresenceUpdate) Type() MessageType { return TypePresence }
func (Notice) Type() MessageType         { return TypeNotice }

// ProtocolError reports a frame that could not be decoded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Encode frames a message.
func Encode(m Message) []byte {
	b := protowire.AppendVarint(nil, uint64(m.Type()))
	switch m := m.(type) {
	case SyncStep1:
		b = protowire.AppendVarint(b, stepStateVector)
		b = protowire.AppendBytes(b, m.StateVector.Encode())
	case SyncStep2:
		b = protowire.AppendVarint(b, stepDelta)
		b = protowire.AppendBytes(b, m.Update)
	case SyncUpdate:
		b = protowire.AppendVarint(b, stepUpdate)
		b = protowire.AppendBytes(b, m.Update)
	case PresenceUpdate:
		b = protowire.AppendVarint(b, uint64(len(m.Deltas)))
		for _, d := range m.Deltas {
			b = appendDelta(b, d)
		}
	case Notice:
		b = protowire.AppendVarint(b, uint64(m.Code))
		b = protowire.AppendString(b, m.Text)
	default:
		panic(fmt.Sprintf("protocol: cannot encode %T", m))
	}
	return b
}

// appendDelta writes replica, clock, then 0 for a removal or 1 followed by
// the fields sorted by key.
func appendDelta(b []byte, d PresenceDelta) []byte {
	b = protowire.AppendVarint(b, uint64(d.Replica))
	b = protowire.AppendVarint(b, d.Clock)
	if d.Fields == nil {
		return protowire.AppendVarint(b, 0)
	}
	b = protowire.AppendVarint(b, 1)
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b = protowire.AppendVarint(b, uint64(len(keys)))
	for _, k := range keys {
		b = protowire.AppendString(b, k)
		b = protowire.AppendString(b, d.Fields[k])
	}
	return b
}

// Decode parses one frame. Update blobs are returned as is; their content is
// checked when they are integrated.
func Decode(data []byte) (Message, error) {
	r := &reader{b: data}
	t := MessageType(r.varint())
	if r.err != nil {
		return nil, &ProtocolError{Reason: "missing message type", Err: r.err}
	}

	var m Message
	switch t {
	case TypeSync:
		step := r.varint()
		payload := r.bytes()
		if r.err != nil {
			break
		}
		switch step {
		case stepStateVector:
			sv, err := crdt.DecodeStateVector(payload)
			if err != nil {
				return nil, &ProtocolError{Reason: "bad state vector", Err: err}
			}
			m = SyncStep1{StateVector: sv}
		case stepDelta:
			m = SyncStep2{Update: payload}
		case stepUpdate:
			m = SyncUpdate{Update: payload}
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unknown sync step %d", step)}
		}
	case TypePresence:
		n := r.count()
		deltas := make([]PresenceDelta, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			deltas = append(deltas, r.delta())
		}
		m = PresenceUpdate{Deltas: deltas}
	case TypeNotice:
		code := NoticeCode(r.varint())
		m = Notice{Code: code, Text: r.string()}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", uint64(t))}
	}

	if r.err != nil {
		return nil, &ProtocolError{Reason: "truncated " + t.String() + " message", Err: r.err}
	}
	if len(r.b) != 0 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%d trailing bytes", len(r.b))}
	}
	return m, nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) count() int {
	v := r.varint()
	if r.err == nil && v > uint64(len(r.b)) {
		r.fail(fmt.Errorf("count %d exceeds remaining %d bytes", v, len(r.b)))
		return 0
	}
	return int(v)
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) delta() PresenceDelta {
	d := PresenceDelta{
		Replica: crdt.ReplicaID(r.varint()),
		Clock:   r.varint(),
	}
	switch flag := r.varint(); flag {
	case 0:
	case 1:
		n := r.count()
		d.Fields = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.string()
			d.Fields[k] = r.string()
		}
	default:
		r.fail(fmt.Errorf("bad presence flag %d", flag))
	}
	return d
}

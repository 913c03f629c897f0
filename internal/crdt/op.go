package crdt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ReplicaID identifies one participant's copy of a document. Zero is reserved.
type ReplicaID uint64

// NewReplicaID returns a random non-zero replica id.
func NewReplicaID() ReplicaID {
	for {
		u := uuid.New()
		if id := ReplicaID(binary.BigEndian.Uint64(u[:8])); id != 0 {
			return id
		}
	}
}

// ID is a globally unique identifier for an operation or a character: the
// replica that created it and that replica's clock at creation time.
type ID struct {
	Replica ReplicaID `json:"replica"`
	Clock   uint64    `json:"clock"`
}

// Head is the virtual anchor before the first character of every sequence.
var Head = ID{}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Replica)
}

// OpKind distinguishes the operations carried in an update.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpRegister
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpRegister:
		return "register"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one replicated operation.
//
// An insert of n runes consumes the clocks ID.Clock..ID.Clock+n-1. Rune k is
// anchored to rune k-1 of the same op, and rune 0 to Origin.
type Op struct {
	Kind    OpKind
	ID      ID
	Path    string
	Origin  ID     // insert
	Text    string // insert
	Targets []ID   // delete
	Present bool   // register
}

// Span is the number of clocks the op consumes.
func (op Op) Span() uint64 {
	if op.Kind == OpInsert {
		if n := utf8.RuneCountInString(op.Text); n > 0 {
			return uint64(n)
		}
	}
	return 1
}

// Last is the highest clock consumed by the op.
func (op Op) Last() uint64 {
	return op.ID.Clock + op.Span() - 1
}

// validate rejects ops that can never be applied regardless of what else
// arrives later.
func (op Op) validate() error {
	if op.ID.Replica == 0 || op.ID.Clock == 0 {
		return fmt.Errorf("invalid id %s", op.ID)
	}
	if op.Last() < op.ID.Clock {
		return fmt.Errorf("clock overflow at %s", op.ID)
	}
	if op.Path == "" {
		return fmt.Errorf("empty path")
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("invalid insert text")
		}
		if op.Origin.Replica == 0 && op.Origin.Clock != 0 {
			return fmt.Errorf("invalid origin %s", op.Origin)
		}
		if op.Origin.Replica == op.ID.Replica && op.Origin.Clock >= op.ID.Clock {
			return fmt.Errorf("origin %s is not before %s", op.Origin, op.ID)
		}
	case OpDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("delete without targets")
		}
		for _, t := range op.Targets {
			if t.Replica == 0 || t.Clock == 0 {
				return fmt.Errorf("invalid target %s", t)
			}
			if t.Replica == op.ID.Replica && t.Clock >= op.ID.Clock {
				return fmt.Errorf("target %s is not before %s", t, op.ID)
			}
		}
	case OpRegister:
	default:
		return fmt.Errorf("unknown kind %s", op.Kind)
	}
	return nil
}

// Update is an ordered batch of operations, the unit exchanged between
// replicas and appended to the durable log.
type Update struct {
	Ops []Op
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Append returns an update with the ops of other appended.
func (u Update) Append(other Update) Update {
	return Update{Ops: append(u.Ops, other.Ops...)}
}

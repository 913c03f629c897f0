package crdt

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

const updateVersion = 1

var ErrMalformedUpdate = errors.New("malformed update")

// Encode serializes the update:
//
//	version, count, {kind, replica, clock, path, payload}*
//
// where payload is origin replica, origin clock and text for inserts, a
// target count followed by (replica, clock) pairs for deletes, and a 0/1 flag
// for registry writes.
func (u Update) Encode() []byte {
	b := make([]byte, 0, 16+len(u.Ops)*16)
	b = protowire.AppendVarint(b, updateVersion)
	b = protowire.AppendVarint(b, uint64(len(u.Ops)))
	for _, op := range u.Ops {
		b = protowire.AppendVarint(b, uint64(op.Kind))
		b = protowire.AppendVarint(b, uint64(op.ID.Replica))
		b = protowire.AppendVarint(b, op.ID.Clock)
		b = protowire.AppendString(b, op.Path)
		switch op.Kind {
		case OpInsert:
			b = protowire.AppendVarint(b, uint64(op.Origin.Replica))
			b = protowire.AppendVarint(b, op.Origin.Clock)
			b = protowire.AppendString(b, op.Text)
		case OpDelete:
			b = protowire.AppendVarint(b, uint64(len(op.Targets)))
			for _, t := range op.Targets {
				b = protowire.AppendVarint(b, uint64(t.Replica))
				b = protowire.AppendVarint(b, t.Clock)
			}
		case OpRegister:
			b = protowire.AppendVarint(b, protowire.EncodeBool(op.Present))
		}
	}
	return b
}

// DecodeUpdate parses an update produced by Update.Encode. Only framing is
// checked here; semantic validation happens on integration.
func DecodeUpdate(data []byte) (Update, error) {
	r := &reader{b: data}
	if v := r.varint(); r.err == nil && v != updateVersion {
		return Update{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, v)
	}
	n := r.count()
	ops := make([]Op, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		var op Op
		op.Kind = OpKind(r.varint())
		op.ID = ID{Replica: ReplicaID(r.varint()), Clock: r.varint()}
		op.Path = r.string()
		switch op.Kind {
		case OpInsert:
			op.Origin = ID{Replica: ReplicaID(r.varint()), Clock: r.varint()}
			op.Text = r.string()
		case OpDelete:
			targets := r.count()
			op.Targets = make([]ID, 0, targets)
			for j := 0; j < targets && r.err == nil; j++ {
				op.Targets = append(op.Targets, ID{Replica: ReplicaID(r.varint()), Clock: r.varint()})
			}
		case OpRegister:
			op.Present = protowire.DecodeBool(r.varint())
		default:
			r.fail(fmt.Errorf("unknown op kind %d", op.Kind))
		}
		ops = append(ops, op)
	}
	if r.err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, r.err)
	}
	if len(r.b) != 0 {
		return Update{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(r.b))
	}
	return Update{Ops: ops}, nil
}

// StateVector maps each replica to the highest clock seen from it.
type StateVector map[ReplicaID]uint64

// Encode writes the vector as a count followed by (replica, clock) pairs in
// replica order, so equal vectors encode identically.
func (sv StateVector) Encode() []byte {
	replicas := make([]ReplicaID, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, r)
	}
	slices.Sort(replicas)
	b := protowire.AppendVarint(nil, uint64(len(replicas)))
	for _, r := range replicas {
		b = protowire.AppendVarint(b, uint64(r))
		b = protowire.AppendVarint(b, sv[r])
	}
	return b
}

func DecodeStateVector(data []byte) (StateVector, error) {
	r := &reader{b: data}
	n := r.count()
	sv := make(StateVector, n)
	for i := 0; i < n && r.err == nil; i++ {
		replica := ReplicaID(r.varint())
		sv[replica] = r.varint()
	}
	if r.err != nil {
		return nil, fmt.Errorf("malformed state vector: %w", r.err)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("malformed state vector: %d trailing bytes", len(r.b))
	}
	return sv, nil
}

// Copy returns an independent copy of the vector.
func (sv StateVector) Copy() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

// Covers reports whether sv has seen everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for k, v := range other {
		if sv[k] < v {
			return false
		}
	}
	return true
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

// count reads a length prefix and bounds it by the remaining input, since
// every counted item takes at least one byte.
func (r *reader) count() int {
	v := r.varint()
	if r.err == nil && v > uint64(len(r.b)) {
		r.fail(fmt.Errorf("count %d exceeds remaining %d bytes", v, len(r.b)))
		return 0
	}
	return int(v)
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	v, n := protowire.ConsumeString(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return ""
	}
	r.b = r.b[n:]
	return v
}

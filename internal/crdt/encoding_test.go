package crdt

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUpdateEncoding(t *testing.T) {
	u := Update{Ops: []Op{
		{Kind: OpRegister, ID: ID{Replica: 3, Clock: 1}, Path: "src/app.ts", Present: true},
		{Kind: OpInsert, ID: ID{Replica: 3, Clock: 2}, Path: "src/app.ts", Text: "héllo"},
		{Kind: OpInsert, ID: ID{Replica: 4, Clock: 9}, Path: "src/app.ts", Origin: ID{Replica: 3, Clock: 6}, Text: "!"},
		{Kind: OpDelete, ID: ID{Replica: 4, Clock: 10}, Path: "src/app.ts", Targets: []ID{{Replica: 3, Clock: 2}, {Replica: 3, Clock: 3}}},
		{Kind: OpRegister, ID: ID{Replica: 4, Clock: 11}, Path: "old.ts", Present: false},
	}}
	decoded, err := DecodeUpdate(u.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, u)
	assert.Equal(t, u.Ops[1].Span(), uint64(5))
	assert.Equal(t, u.Ops[1].Last(), uint64(6))
}

func TestDecodeUpdateRejectsGarbage(t *testing.T) {
	valid := Update{Ops: []Op{{Kind: OpInsert, ID: ID{Replica: 1, Clock: 1}, Path: "f", Text: "x"}}}.Encode()

	for name, data := range map[string][]byte{
		"empty":     nil,
		"version":   protowire.AppendVarint(nil, 7),
		"truncated": valid[:len(valid)-1],
		"trailing":  append(append([]byte{}, valid...), 0),
		"kind":      {1, 1, 9, 1, 1, 1, 'f'},
		"count":     {1, 200},
	} {
		_, err := DecodeUpdate(data)
		if !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("%s: expected malformed update, got %v", name, err)
		}
	}
}

func TestStateVectorEncoding(t *testing.T) {
	sv := StateVector{7: 3, 1: 99, 300: 1}
	decoded, err := DecodeStateVector(sv.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, sv)
	assert.Equal(t, sv.Encode(), StateVector{300: 1, 1: 99, 7: 3}.Encode())

	empty, err := DecodeStateVector(StateVector{}.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(empty), 0)

	_, err = DecodeStateVector([]byte{2, 1})
	assert.NotEqual(t, err, nil)
}

func TestStateVectorCovers(t *testing.T) {
	a := StateVector{1: 4, 2: 2}
	assert.Equal(t, a.Covers(StateVector{1: 4}), true)
	assert.Equal(t, a.Covers(StateVector{1: 5}), false)
	assert.Equal(t, a.Covers(StateVector{3: 1}), false)
	assert.Equal(t, StateVector{}.Covers(StateVector{}), true)

	c := a.Copy()
	c[1] = 10
	assert.Equal(t, a[1], uint64(4))
}

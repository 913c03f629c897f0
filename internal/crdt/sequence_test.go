package crdt

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSequenceOrdering(t *testing.T) {
	s := newSequence()
	s.insert(ID{Replica: 1, Clock: 1}, Head, 'a')
	s.insert(ID{Replica: 1, Clock: 2}, ID{Replica: 1, Clock: 1}, 'b')
	// concurrent with b, same anchor and clock: lower replica first
	s.insert(ID{Replica: 2, Clock: 2}, ID{Replica: 1, Clock: 1}, 'c')
	// newer sibling goes right after the anchor
	s.insert(ID{Replica: 3, Clock: 5}, ID{Replica: 1, Clock: 1}, 'd')
	assert.Equal(t, s.String(), "adbc")
	assert.Equal(t, s.Len(), 4)

	assert.Equal(t, s.remove(ID{Replica: 3, Clock: 5}), true)
	assert.Equal(t, s.remove(ID{Replica: 3, Clock: 5}), false)
	assert.Equal(t, s.String(), "abc")
	// children of a tombstone stay in place
	s.insert(ID{Replica: 3, Clock: 6}, ID{Replica: 3, Clock: 5}, 'e')
	assert.Equal(t, s.String(), "aebc")

	// an existing id is never linked twice
	assert.Equal(t, s.insert(ID{Replica: 1, Clock: 1}, ID{Replica: 3, Clock: 6}, 'z'), false)
	assert.Equal(t, s.String(), "aebc")
}

func TestSpanSet(t *testing.T) {
	var s spanSet
	s = s.add(5, 7)
	s = s.add(1, 1)
	s = s.add(10, 12)
	assert.Equal(t, s, spanSet{{1, 1}, {5, 7}, {10, 12}})

	// adjacent ranges merge
	s = s.add(8, 9)
	s = s.add(2, 4)
	assert.Equal(t, s, spanSet{{1, 12}})

	s = s.add(20, 20)
	assert.Equal(t, s.contains(12), true)
	assert.Equal(t, s.contains(13), false)
	assert.Equal(t, s.covers(3, 12), true)
	assert.Equal(t, s.covers(12, 13), false)
	assert.Equal(t, s.overlaps(12, 13), true)
	assert.Equal(t, s.overlaps(13, 19), false)
	assert.Equal(t, s.overlaps(15, 25), true)
}

func TestSequenceIndexing(t *testing.T) {
	s := newSequence()
	prev := Head
	for i, r := range "wörld" {
		id := ID{Replica: 1, Clock: uint64(i + 1)}
		s.insert(id, prev, r)
		prev = id
	}
	assert.Equal(t, s.Len(), 5)
	assert.Equal(t, s.Size(), 6)

	assert.Equal(t, s.anchorAt(0), Head)
	assert.Equal(t, s.anchorAt(-3), Head)
	assert.Equal(t, s.anchorAt(5), prev)
	assert.Equal(t, s.anchorAt(50), prev)

	ids := s.idsIn(3, 10)
	assert.Equal(t, len(ids), 2)
	assert.Equal(t, len(s.idsIn(-1, 2)), 1)
	assert.Equal(t, len(s.idsIn(5, 1)), 0)
	assert.Equal(t, len(s.idsIn(0, 0)), 0)
}

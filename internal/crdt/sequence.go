package crdt

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// element is one character of a sequence. Deleted elements stay in place as
// tombstones so later inserts anchored to them still resolve.
type element struct {
	id      ID
	r       rune
	deleted bool
}

// Sequence is the per-file replicated character sequence (RGA). Every element
// hangs off the element it was inserted after; siblings are ordered newest
// first and the visible text is a depth-first walk from Head.
type Sequence struct {
	elems    map[ID]*element
	children map[ID][]ID

	// visible elements in document order, rebuilt lazily
	order []ID
	dirty bool
	// visible size in bytes
	size int
}

func newSequence() *Sequence {
	return &Sequence{
		elems:    make(map[ID]*element),
		children: make(map[ID][]ID),
	}
}

// siblingBefore orders elements sharing an anchor: the higher clock first, so
// an insert made after seeing its siblings lands directly after the anchor;
// equal clocks are concurrent and fall back to the lower replica id first.
func siblingBefore(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Replica < b.Replica
}

func (s *Sequence) has(id ID) bool {
	if id == Head {
		return true
	}
	_, ok := s.elems[id]
	return ok
}

// insert links a new element after origin, which the caller has checked is
// known. An id already present is refused.
func (s *Sequence) insert(id, origin ID, r rune) bool {
	if s.has(id) {
		return false
	}
	s.elems[id] = &element{id: id, r: r}
	kids := s.children[origin]
	pos := sort.Search(len(kids), func(i int) bool { return !siblingBefore(kids[i], id) })
	kids = append(kids, ID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = id
	s.children[origin] = kids
	s.size += utf8.RuneLen(r)
	s.dirty = true
	return true
}

// remove tombstones an element and reports whether it was live.
func (s *Sequence) remove(id ID) bool {
	e, ok := s.elems[id]
	if !ok || e.deleted {
		return false
	}
	e.deleted = true
	s.size -= utf8.RuneLen(e.r)
	s.dirty = true
	return true
}

func (s *Sequence) rebuild() {
	if !s.dirty && s.order != nil {
		return
	}
	order := make([]ID, 0, len(s.elems))
	stack := make([]ID, 0, 64)
	push := func(parent ID) {
		kids := s.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(Head)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !s.elems[id].deleted {
			order = append(order, id)
		}
		push(id)
	}
	s.order = order
	s.dirty = false
}

// Len is the number of visible runes.
func (s *Sequence) Len() int {
	s.rebuild()
	return len(s.order)
}

// Size is the visible content size in bytes.
func (s *Sequence) Size() int {
	return s.size
}

func (s *Sequence) String() string {
	s.rebuild()
	var b strings.Builder
	b.Grow(s.size)
	for _, id := range s.order {
		b.WriteRune(s.elems[id].r)
	}
	return b.String()
}

// anchorAt returns the element a rune inserted at visible index i follows.
// Out of range indexes are clamped.
func (s *Sequence) anchorAt(i int) ID {
	s.rebuild()
	if i <= 0 || len(s.order) == 0 {
		return Head
	}
	if i > len(s.order) {
		i = len(s.order)
	}
	return s.order[i-1]
}

// idsIn returns the ids of the visible runes in [i, i+n).
func (s *Sequence) idsIn(i, n int) []ID {
	s.rebuild()
	if i < 0 {
		n += i
		i = 0
	}
	if i >= len(s.order) || n <= 0 {
		return nil
	}
	end := i + n
	if end > len(s.order) {
		end = len(s.order)
	}
	ids := make([]ID, end-i)
	copy(ids, s.order[i:end])
	return ids
}

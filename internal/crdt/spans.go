package crdt

import (
	"sort"
)

// span is an inclusive clock range.
type span struct {
	from, to uint64
}

// spanSet is a sorted set of disjoint clock ranges. Adjacent ranges are
// merged on add.
type spanSet []span

// search returns the index of the first range ending at or after c.
func (s spanSet) search(c uint64) int {
	return sort.Search(len(s), func(i int) bool { return s[i].to >= c })
}

func (s spanSet) contains(c uint64) bool {
	i := s.search(c)
	return i < len(s) && s[i].from <= c
}

// overlaps reports whether any clock of [from, to] is in the set.
func (s spanSet) overlaps(from, to uint64) bool {
	i := s.search(from)
	return i < len(s) && s[i].from <= to
}

// covers reports whether every clock of [from, to] is in the set.
func (s spanSet) covers(from, to uint64) bool {
	i := s.search(from)
	return i < len(s) && s[i].from <= from && s[i].to >= to
}

// add inserts [from, to], which must not overlap the set.
func (s spanSet) add(from, to uint64) spanSet {
	i := s.search(from)
	s = append(s, span{})
	copy(s[i+1:], s[i:])
	s[i] = span{from: from, to: to}
	if i+1 < len(s) && s[i].to+1 == s[i+1].from {
		s[i].to = s[i+1].to
		s = append(s[:i+1], s[i+2:]...)
	}
	if i > 0 && s[i-1].to+1 == s[i].from {
		s[i-1].to = s[i].to
		s = append(s[:i], s[i+1:]...)
	}
	return s
}

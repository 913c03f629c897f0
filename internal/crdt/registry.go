package crdt

import (
	"sort"
)

type registryEntry struct {
	present bool
	stamp   ID
}

// Registry is the project-wide last-writer-wins map from file path to a
// presence flag. Writes are ordered by (clock, replica).
type Registry struct {
	entries map[string]registryEntry
	live    int
}

func newRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// stampAfter reports whether a wins over b.
func stampAfter(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Replica > b.Replica
}

// wins reports whether a write stamped with stamp would replace the current
// entry for path.
func (r *Registry) wins(path string, stamp ID) bool {
	cur, ok := r.entries[path]
	return !ok || stampAfter(stamp, cur.stamp)
}

// apply performs a LWW write and reports whether the visible file set changed.
func (r *Registry) apply(path string, present bool, stamp ID) bool {
	if !r.wins(path, stamp) {
		return false
	}
	cur, existed := r.entries[path]
	r.entries[path] = registryEntry{present: present, stamp: stamp}
	was := existed && cur.present
	switch {
	case present && !was:
		r.live++
	case !present && was:
		r.live--
	}
	return present != was
}

// known reports whether path was ever registered, live or removed.
func (r *Registry) known(path string) bool {
	_, ok := r.entries[path]
	return ok
}

// Has reports whether path is a live file.
func (r *Registry) Has(path string) bool {
	return r.entries[path].present
}

// Len is the number of live files.
func (r *Registry) Len() int {
	return r.live
}

// Paths returns the live file paths in lexicographic order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, r.live)
	for p, e := range r.entries {
		if e.present {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

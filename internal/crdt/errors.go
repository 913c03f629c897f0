package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrFileExists = errors.New("file already exists")
	ErrNoSuchFile = errors.New("no such file")
)

// Capacity limits.
const (
	LimitFiles     = "files"
	LimitFileBytes = "file-bytes"
)

// CapacityError reports an operation rejected because it would exceed a
// document limit. It is surfaced to the originating replica only.
type CapacityError struct {
	Path  string
	Limit string
	Max   int
}

func (e *CapacityError) Error() string {
	switch e.Limit {
	case LimitFiles:
		return fmt.Sprintf("cannot create %q: file limit of %d reached", e.Path, e.Max)
	case LimitFileBytes:
		return fmt.Sprintf("cannot grow %q beyond %d bytes", e.Path, e.Max)
	default:
		return fmt.Sprintf("capacity exceeded for %q", e.Path)
	}
}

// CausalGapError reports that the causal stability buffer overflowed. The
// buffered operations were discarded and the sender must resynchronize.
type CausalGapError struct {
	Buffered int
}

func (e *CausalGapError) Error() string {
	return fmt.Sprintf("causal gap: %d buffered operations discarded", e.Buffered)
}

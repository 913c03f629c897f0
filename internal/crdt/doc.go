// Package crdt implements the replicated document model of a project: one RGA
// character sequence per file plus a last-writer-wins registry of which files
// exist. It performs no I/O and is not safe for concurrent use; callers
// serialize access.
package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/golang/glog"
)

const (
	DefaultMaxFiles     = 50
	DefaultMaxFileBytes = 1 << 20
	DefaultMaxPending   = 4096
)

// Limits bound what a document accepts. Zero disables a limit.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int
	// MaxPending bounds the causal stability buffer.
	MaxPending int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFiles:     DefaultMaxFiles,
		MaxFileBytes: DefaultMaxFileBytes,
		MaxPending:   DefaultMaxPending,
	}
}

type status int

const (
	statusIntegrated status = iota
	statusDuplicate
	statusDropped
	statusRejected
	statusBuffered
)

// Result describes what integrating an update changed.
type Result struct {
	// Applied holds the ops of the update that were new and integrated.
	Applied Update
	// Released holds previously buffered ops that became applicable.
	Released Update
}

func (r Result) Changed() bool {
	return !r.Applied.Empty() || !r.Released.Empty()
}

// All returns the applied ops followed by the released ones.
func (r Result) All() Update {
	return Update{}.Append(r.Applied).Append(r.Released)
}

// Doc is one replica of a project document.
type Doc struct {
	replica ReplicaID
	// highest clock seen from any replica; local ops take clock+1
	clock  uint64
	limits Limits

	files    map[string]*Sequence
	registry *Registry

	// integrated ops in integration order
	history []Op
	applied map[ReplicaID]spanSet
	sv      StateVector
	pending []Op
	// clocks refused for capacity, and the paths whose creation was refused
	rejected map[ReplicaID]spanSet
	refused  map[string]map[ReplicaID]struct{}
}

// NewDoc returns an empty document. Local edits require a non-zero replica.
func NewDoc(replica ReplicaID, limits Limits) *Doc {
	return &Doc{
		replica:  replica,
		limits:   limits,
		files:    make(map[string]*Sequence),
		registry: newRegistry(),
		applied:  make(map[ReplicaID]spanSet),
		sv:       StateVector{},
		rejected: make(map[ReplicaID]spanSet),
		refused:  make(map[string]map[ReplicaID]struct{}),
	}
}

func (d *Doc) Replica() ReplicaID {
	return d.replica
}

func (d *Doc) Limits() Limits {
	return d.limits
}

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	return d.sv.Copy()
}

// Pending is the number of ops waiting in the causal buffer.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Integrate decodes and applies a remote update. Ops already seen are
// ignored, ops with unknown anchors or files are buffered until their
// dependencies arrive, and ops violating limits are rejected. The returned error may join
// a *CapacityError and a *CausalGapError; the Result is valid in both cases.
func (d *Doc) Integrate(data []byte) (Result, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return Result{}, err
	}
	return d.IntegrateUpdate(u)
}

// IntegrateUpdate is Integrate for an already decoded update.
func (d *Doc) IntegrateUpdate(u Update) (Result, error) {
	var res Result
	var errs []error
	for _, op := range u.Ops {
		st, err := d.integrate(op)
		if err != nil {
			errs = append(errs, err)
		}
		switch st {
		case statusIntegrated:
			res.Applied.Ops = append(res.Applied.Ops, op)
		case statusBuffered:
			if !d.isPending(op.ID) {
				d.pending = append(d.pending, op)
			}
		}
	}
	if !res.Applied.Empty() && len(d.pending) > 0 {
		released, err := d.drain()
		res.Released = released
		if err != nil {
			errs = append(errs, err)
		}
	}
	if max := d.limits.MaxPending; max > 0 && len(d.pending) > max {
		n := len(d.pending)
		d.pending = nil
		errs = append(errs, &CausalGapError{Buffered: n})
	}
	return res, errors.Join(errs...)
}

// ApplyRemote applies an encoded update and reports whether it changed the
// document.
func (d *Doc) ApplyRemote(data []byte) (bool, error) {
	res, err := d.Integrate(data)
	return res.Changed(), err
}

// Merge folds a full-state snapshot (or any update) into the document.
func (d *Doc) Merge(snapshot []byte) error {
	_, err := d.Integrate(snapshot)
	return err
}

// drain retries buffered ops until no more become applicable.
func (d *Doc) drain() (Update, error) {
	var released Update
	var errs []error
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		waiting := d.pending[:0:0]
		for _, op := range d.pending {
			st, err := d.integrate(op)
			if err != nil {
				errs = append(errs, err)
			}
			switch st {
			case statusIntegrated:
				released.Ops = append(released.Ops, op)
				progress = true
			case statusBuffered:
				waiting = append(waiting, op)
			default:
				progress = true
			}
		}
		d.pending = waiting
	}
	return released, errors.Join(errs...)
}

func (d *Doc) isPending(id ID) bool {
	for _, op := range d.pending {
		if op.ID == id {
			return true
		}
	}
	return false
}

func (d *Doc) integrate(op Op) (status, error) {
	if err := op.validate(); err != nil {
		glog.Warningf("[crdt]dropping %s %s: %s\n", op.Kind, op.ID, err)
		return statusDropped, nil
	}
	// every clock of the op identifies it, not only the first
	r, from, to := op.ID.Replica, op.ID.Clock, op.Last()
	if d.applied[r].covers(from, to) || d.rejected[r].covers(from, to) {
		return statusDuplicate, nil
	}
	if d.applied[r].overlaps(from, to) || d.rejected[r].overlaps(from, to) {
		glog.Warningf("[crdt]dropping %s %s: clocks %d..%d already used\n", op.Kind, op.ID, from, to)
		return statusDropped, nil
	}

	switch op.Kind {
	case OpInsert:
		if d.isRejected(op.Origin) || d.refusedCreate(op) {
			d.reject(op)
			return statusRejected, nil
		}
		if !d.registry.known(op.Path) {
			return statusBuffered, nil
		}
		seq := d.files[op.Path]
		if op.Origin != Head && (seq == nil || !seq.has(op.Origin)) {
			return statusBuffered, nil
		}
		size := 0
		if seq != nil {
			size = seq.Size()
		}
		if max := d.limits.MaxFileBytes; max > 0 && size+len(op.Text) > max {
			d.reject(op)
			return statusRejected, &CapacityError{Path: op.Path, Limit: LimitFileBytes, Max: max}
		}
		if seq != nil {
			c := from
			for range op.Text {
				if seq.has(ID{Replica: r, Clock: c}) {
					glog.Warningf("[crdt]dropping %s %s: element %d@%d exists\n", op.Kind, op.ID, c, r)
					return statusDropped, nil
				}
				c++
			}
		}
		seq = d.sequence(op.Path)
		prev, clock := op.Origin, from
		for _, ch := range op.Text {
			id := ID{Replica: r, Clock: clock}
			seq.insert(id, prev, ch)
			prev = id
			clock++
		}

	case OpDelete:
		seq := d.files[op.Path]
		for _, t := range op.Targets {
			if d.isRejected(t) {
				continue
			}
			if seq == nil || !seq.has(t) {
				return statusBuffered, nil
			}
		}
		if seq != nil {
			for _, t := range op.Targets {
				seq.remove(t)
			}
		}

	case OpRegister:
		if op.Present && !d.registry.Has(op.Path) && d.registry.wins(op.Path, op.ID) {
			if max := d.limits.MaxFiles; max > 0 && d.registry.Len() >= max {
				d.reject(op)
				d.refuse(op.Path, op.ID.Replica)
				return statusRejected, &CapacityError{Path: op.Path, Limit: LimitFiles, Max: max}
			}
		}
		d.registry.apply(op.Path, op.Present, op.ID)
	}

	d.history = append(d.history, op)
	d.applied[r] = d.applied[r].add(from, to)
	d.observe(op)
	return statusIntegrated, nil
}

func (d *Doc) observe(op Op) {
	last := op.Last()
	if d.sv[op.ID.Replica] < last {
		d.sv[op.ID.Replica] = last
	}
	if d.clock < last {
		d.clock = last
	}
}

// reject remembers the clocks of an op refused for capacity so that ops
// depending on it are refused too, and counts them as seen so the sender is
// not asked for them again.
func (d *Doc) reject(op Op) {
	r := op.ID.Replica
	d.rejected[r] = d.rejected[r].add(op.ID.Clock, op.Last())
	d.observe(op)
}

func (d *Doc) isRejected(id ID) bool {
	if id == Head {
		return false
	}
	return d.rejected[id.Replica].contains(id.Clock)
}

func (d *Doc) refuse(path string, replica ReplicaID) {
	by, ok := d.refused[path]
	if !ok {
		by = make(map[ReplicaID]struct{})
		d.refused[path] = by
	}
	by[replica] = struct{}{}
}

// refusedCreate reports whether op writes into a file its replica was refused
// to create and nobody has created since.
func (d *Doc) refusedCreate(op Op) bool {
	if d.registry.Has(op.Path) {
		return false
	}
	_, ok := d.refused[op.Path][op.ID.Replica]
	return ok
}

func (d *Doc) sequence(path string) *Sequence {
	seq, ok := d.files[path]
	if !ok {
		seq = newSequence()
		d.files[path] = seq
	}
	return seq
}

// Delta returns the ops a replica holding sv is missing.
func (d *Doc) Delta(sv StateVector) Update {
	var ops []Op
	for _, op := range d.history {
		if op.Last() > sv[op.ID.Replica] {
			ops = append(ops, op)
		}
	}
	return Update{Ops: ops}
}

// EncodeDelta is Delta encoded for the wire.
func (d *Doc) EncodeDelta(sv StateVector) []byte {
	return d.Delta(sv).Encode()
}

// EncodeState encodes the whole document as a single update.
func (d *Doc) EncodeState() []byte {
	return Update{Ops: d.history}.Encode()
}

// Materialize returns the visible content of path.
func (d *Doc) Materialize(path string) string {
	if seq, ok := d.files[path]; ok {
		return seq.String()
	}
	return ""
}

// Files returns the live file paths in lexicographic order.
func (d *Doc) Files() []string {
	return d.registry.Paths()
}

func (d *Doc) HasFile(path string) bool {
	return d.registry.Has(path)
}

// Snapshot materializes every live file.
func (d *Doc) Snapshot() map[string]string {
	files := make(map[string]string, d.registry.Len())
	for _, p := range d.registry.Paths() {
		files[p] = d.Materialize(p)
	}
	return files
}

// Empty reports whether the registry holds no live file.
func (d *Doc) Empty() bool {
	return d.registry.Len() == 0
}

// Local edits.

func (d *Doc) nextID() ID {
	return ID{Replica: d.replica, Clock: d.clock + 1}
}

func (d *Doc) local(op Op) error {
	if d.replica == 0 {
		return errors.New("crdt: document has no replica id")
	}
	st, err := d.integrate(op)
	if err != nil {
		return err
	}
	if st != statusIntegrated {
		return fmt.Errorf("crdt: local %s %s was not integrated", op.Kind, op.ID)
	}
	return nil
}

func validPath(path string) error {
	if path == "" || !utf8.ValidString(path) {
		return fmt.Errorf("crdt: invalid path %q", path)
	}
	return nil
}

// Insert inserts text at the visible rune index of path.
func (d *Doc) Insert(path string, index int, text string) (Update, error) {
	if err := validPath(path); err != nil {
		return Update{}, err
	}
	if text == "" {
		return Update{}, nil
	}
	if !utf8.ValidString(text) {
		return Update{}, errors.New("crdt: insert text is not valid utf-8")
	}
	if !d.registry.known(path) {
		return Update{}, fmt.Errorf("%w: %s", ErrNoSuchFile, path)
	}
	size, anchor := 0, Head
	if seq, ok := d.files[path]; ok {
		size, anchor = seq.Size(), seq.anchorAt(index)
	}
	if max := d.limits.MaxFileBytes; max > 0 && size+len(text) > max {
		return Update{}, &CapacityError{Path: path, Limit: LimitFileBytes, Max: max}
	}
	op := Op{Kind: OpInsert, ID: d.nextID(), Path: path, Origin: anchor, Text: text}
	if err := d.local(op); err != nil {
		return Update{}, err
	}
	return Update{Ops: []Op{op}}, nil
}

// Delete removes length visible runes of path starting at index.
func (d *Doc) Delete(path string, index, length int) (Update, error) {
	seq, ok := d.files[path]
	if !ok {
		return Update{}, nil
	}
	targets := seq.idsIn(index, length)
	if len(targets) == 0 {
		return Update{}, nil
	}
	op := Op{Kind: OpDelete, ID: d.nextID(), Path: path, Targets: targets}
	if err := d.local(op); err != nil {
		return Update{}, err
	}
	return Update{Ops: []Op{op}}, nil
}

func (d *Doc) register(path string, present bool) (Update, error) {
	op := Op{Kind: OpRegister, ID: d.nextID(), Path: path, Present: present}
	if err := d.local(op); err != nil {
		return Update{}, err
	}
	return Update{Ops: []Op{op}}, nil
}

// CreateFile registers path and, when its sequence holds no visible content,
// fills it with content.
func (d *Doc) CreateFile(path, content string) (Update, error) {
	if err := validPath(path); err != nil {
		return Update{}, err
	}
	if d.registry.Has(path) {
		return Update{}, fmt.Errorf("%w: %s", ErrFileExists, path)
	}
	if max := d.limits.MaxFiles; max > 0 && d.registry.Len() >= max {
		return Update{}, &CapacityError{Path: path, Limit: LimitFiles, Max: max}
	}
	fill := content != "" && d.Materialize(path) == ""
	if max := d.limits.MaxFileBytes; fill && max > 0 && len(content) > max {
		return Update{}, &CapacityError{Path: path, Limit: LimitFileBytes, Max: max}
	}
	u, err := d.register(path, true)
	if err != nil {
		return Update{}, err
	}
	if fill {
		ins, err := d.Insert(path, 0, content)
		if err != nil {
			return u, err
		}
		u = u.Append(ins)
	}
	return u, nil
}

// RemoveFile hides path from the file set. Its sequence is kept.
func (d *Doc) RemoveFile(path string) (Update, error) {
	if !d.registry.Has(path) {
		return Update{}, fmt.Errorf("%w: %s", ErrNoSuchFile, path)
	}
	return d.register(path, false)
}

// Rename removes from and creates to with the same content.
func (d *Doc) Rename(from, to string) (Update, error) {
	if err := validPath(to); err != nil {
		return Update{}, err
	}
	if !d.registry.Has(from) {
		return Update{}, fmt.Errorf("%w: %s", ErrNoSuchFile, from)
	}
	if from == to {
		return Update{}, nil
	}
	if d.registry.Has(to) {
		return Update{}, fmt.Errorf("%w: %s", ErrFileExists, to)
	}
	content := d.Materialize(from)
	u, err := d.register(from, false)
	if err != nil {
		return Update{}, err
	}
	if seq, ok := d.files[to]; ok && seq.Len() > 0 {
		del, err := d.Delete(to, 0, seq.Len())
		if err != nil {
			return u, err
		}
		u = u.Append(del)
	}
	reg, err := d.register(to, true)
	if err != nil {
		return u, err
	}
	u = u.Append(reg)
	ins, err := d.Insert(to, 0, content)
	if err != nil {
		return u, err
	}
	return u.Append(ins), nil
}

// Replace sets the whole content of path, creating the file if needed.
func (d *Doc) Replace(path, content string) (Update, error) {
	if !d.registry.Has(path) {
		return d.CreateFile(path, content)
	}
	if max := d.limits.MaxFileBytes; max > 0 && len(content) > max {
		return Update{}, &CapacityError{Path: path, Limit: LimitFileBytes, Max: max}
	}
	var u Update
	if seq, ok := d.files[path]; ok && seq.Len() > 0 {
		del, err := d.Delete(path, 0, seq.Len())
		if err != nil {
			return Update{}, err
		}
		u = del
	}
	ins, err := d.Insert(path, 0, content)
	if err != nil {
		return u, err
	}
	return u.Append(ins), nil
}

// EditKind selects the local edit performed by ApplyLocal.
type EditKind uint8

const (
	EditInsert EditKind = iota + 1
	EditDelete
	EditCreate
	EditRemove
	EditRename
	EditReplace
)

// Edit is a local, index-based change to the document.
type Edit struct {
	Kind    EditKind
	Path    string
	NewPath string // rename
	Index   int    // insert, delete
	Length  int    // delete
	Text    string // insert, create, replace
}

// ApplyLocal applies a local edit and returns the encoded update to send to
// other replicas, or nil when the edit changed nothing.
func (d *Doc) ApplyLocal(e Edit) ([]byte, error) {
	var u Update
	var err error
	switch e.Kind {
	case EditInsert:
		u, err = d.Insert(e.Path, e.Index, e.Text)
	case EditDelete:
		u, err = d.Delete(e.Path, e.Index, e.Length)
	case EditCreate:
		u, err = d.CreateFile(e.Path, e.Text)
	case EditRemove:
		u, err = d.RemoveFile(e.Path)
	case EditRename:
		u, err = d.Rename(e.Path, e.NewPath)
	case EditReplace:
		u, err = d.Replace(e.Path, e.Text)
	default:
		return nil, fmt.Errorf("crdt: unknown edit kind %d", e.Kind)
	}
	if u.Empty() {
		return nil, err
	}
	return u.Encode(), err
}

package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
)

var ErrClosed = errors.New("persist: adapter closed")

type Options struct {
	// CompactEvery compacts a room after this many appends. Zero disables
	// automatic compaction.
	CompactEvery int
	// NewBackOff returns the retry policy for a failed log operation.
	NewBackOff func() backoff.BackOff
}

func DefaultOptions() Options {
	return Options{
		CompactEvery: 500,
		NewBackOff:   defaultBackOff,
	}
}

// defaultBackOff retries until the adapter is closed.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Adapter writes updates to a Log without blocking the caller. Each room has
// its own writer goroutine, so a room's updates are stored in the order they
// were handed over, and compactions are ordered with them.
type Adapter struct {
	log  Log
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	writers map[string]*writer
	// appends since the room was last compacted
	appended map[string]int
	closed   bool
}

type writer struct {
	room  string
	queue []job
	// an update is being written
	busy bool
}

// job is an append when update is set, otherwise a compaction or a barrier
// reporting on done.
type job struct {
	update  []byte
	compact bool
	done    chan error
}

func NewAdapter(log Log, opts Options) *Adapter {
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		log:      log,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		writers:  make(map[string]*writer),
		appended: make(map[string]int),
	}
}

// StoreUpdate queues update for appending to the room's log and returns
// immediately.
func (a *Adapter) StoreUpdate(room string, update []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		glog.Errorf("[persist]dropping update for %s: %s\n", room, ErrClosed)
		return
	}
	a.enqueueLocked(room, job{update: update})
}

func (a *Adapter) enqueueLocked(room string, j job) {
	w, ok := a.writers[room]
	if !ok {
		w = &writer{room: room}
		a.writers[room] = w
		a.wg.Add(1)
		go a.run(w)
	}
	w.queue = append(w.queue, j)
}

// Pending reports whether the room has updates not yet written.
func (a *Adapter) Pending(room string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.writers[room]
	if !ok {
		return false
	}
	if w.busy {
		return true
	}
	for _, j := range w.queue {
		if j.update != nil {
			return true
		}
	}
	return false
}

func (a *Adapter) run(w *writer) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(w.queue) == 0 {
			delete(a.writers, w.room)
			a.mu.Unlock()
			return
		}
		j := w.queue[0]
		w.queue[0] = job{}
		w.queue = w.queue[1:]
		w.busy = j.update != nil
		a.mu.Unlock()

		switch {
		case j.update != nil:
			a.write(w.room, j.update)
		case j.compact:
			j.done <- a.compact(w.room)
		default:
			j.done <- nil
		}
	}
}

func (a *Adapter) write(room string, update []byte) {
	err := a.retry("append", room, func() error {
		_, err := a.log.Append(a.ctx, room, update)
		return err
	})
	if err != nil {
		metrics.LogAppends.WithLabelValues(metrics.Error).Inc()
		glog.Errorf("[persist]%s\n", &PersistenceError{Op: "append", Room: room, Err: err})
		return
	}
	metrics.LogAppends.WithLabelValues(metrics.OK).Inc()

	a.mu.Lock()
	a.appended[room]++
	due := a.opts.CompactEvery > 0 && a.appended[room] >= a.opts.CompactEvery
	a.mu.Unlock()
	if due {
		if err := a.compact(room); err != nil {
			glog.Errorf("[persist]%s\n", err)
		}
	}
}

func (a *Adapter) retry(op, room string, fn func() error) error {
	b := backoff.WithContext(a.opts.NewBackOff(), a.ctx)
	return backoff.RetryNotify(fn, b, func(err error, next time.Duration) {
		glog.Warningf("[persist]%s %s failed, retrying in %s: %s\n", op, room, next, err)
	})
}

// compact folds the room's log into one snapshot. It runs on the room's
// writer, so no append of this adapter interleaves with it.
func (a *Adapter) compact(room string) error {
	entries, err := a.log.Entries(a.ctx, room)
	if err != nil {
		metrics.Compactions.WithLabelValues(metrics.Error).Inc()
		return &PersistenceError{Op: "compact", Room: room, Err: err}
	}
	if len(entries) > 1 {
		doc := crdt.NewDoc(0, crdt.Limits{})
		replay(doc, room, entries)
		upto := entries[len(entries)-1].Seq
		snapshot := doc.EncodeState()
		err = a.retry("compact", room, func() error {
			return a.log.Compact(a.ctx, room, upto, snapshot)
		})
		if err != nil {
			metrics.Compactions.WithLabelValues(metrics.Error).Inc()
			return &PersistenceError{Op: "compact", Room: room, Err: err}
		}
		metrics.Compactions.WithLabelValues(metrics.OK).Inc()
		glog.V(1).Infof("[persist]compacted %s: %d entries\n", room, len(entries))
	}
	a.mu.Lock()
	a.appended[room] = 0
	a.mu.Unlock()
	return nil
}

func replay(doc *crdt.Doc, room string, entries []Entry) {
	for _, e := range entries {
		if err := doc.Merge(e.Update); err != nil {
			glog.Warningf("[persist]replay %s entry %d: %s\n", room, e.Seq, err)
		}
	}
}

// LoadDocument replays the room's log into a new document. Writes still
// queued for the room are waited for first.
func (a *Adapter) LoadDocument(ctx context.Context, room string, replica crdt.ReplicaID, limits crdt.Limits) (*crdt.Doc, error) {
	if err := a.barrier(ctx, room); err != nil {
		return nil, &PersistenceError{Op: "load", Room: room, Err: err}
	}
	start := time.Now()
	entries, err := a.log.Entries(ctx, room)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Room: room, Err: err}
	}
	doc := crdt.NewDoc(replica, limits)
	replay(doc, room, entries)
	metrics.ReplayDuration.Observe(time.Since(start).Seconds())

	a.mu.Lock()
	a.appended[room] = len(entries)
	a.mu.Unlock()
	return doc, nil
}

// barrier waits until every job queued for room before the call is done.
func (a *Adapter) barrier(ctx context.Context, room string) error {
	a.mu.Lock()
	if _, ok := a.writers[room]; !ok {
		a.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	a.enqueueLocked(room, job{done: done})
	a.mu.Unlock()
	return wait(ctx, done)
}

func wait(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact collapses the room's log into a single snapshot entry, ordered
// after every update already handed to StoreUpdate.
func (a *Adapter) Compact(ctx context.Context, room string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	done := make(chan error, 1)
	a.enqueueLocked(room, job{compact: true, done: done})
	a.mu.Unlock()
	return wait(ctx, done)
}

// Flush waits until every queued write is done.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	var dones []chan error
	for room := range a.writers {
		done := make(chan error, 1)
		a.enqueueLocked(room, job{done: done})
		dones = append(dones, done)
	}
	a.mu.Unlock()
	for _, done := range dones {
		if err := wait(ctx, done); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes queued writes, giving up on retries when ctx is done, and
// closes the log.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	err := a.Flush(ctx)
	a.cancel()
	a.wg.Wait()
	return errors.Join(err, a.log.Close())
}

// Package reconcile mirrors rooms to the external project store: it seeds a
// new room from the store and pushes the room's files back after a quiet
// period following each change.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"collabtext/internal/metrics"
	"collabtext/internal/projectstore"
)

const DefaultDelay = 2 * time.Second

const pushTimeout = 10 * time.Second

// Source materializes the files of a room.
type Source interface {
	Snapshot() map[string]string
}

// ReconciliationError reports a failed exchange with the project store.
type ReconciliationError struct {
	Op   string
	Room string
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile: %s %s: %v", e.Op, e.Room, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// Reconciler debounces pushes per room. At most one push per room is in
// flight; a timer firing during a push schedules exactly one more.
type Reconciler struct {
	store projectstore.Store
	delay time.Duration
	clock clock.Clock

	mu    sync.Mutex
	rooms map[string]*entry
	// closed and replaced whenever a room goes idle
	idle chan struct{}
}

type entry struct {
	src Source
	// bumped on every rearm so superseded timers are ignored
	gen      uint64
	timer    *clock.Timer
	armed    bool
	inflight bool
	again    bool
}

func New(store projectstore.Store, delay time.Duration, c clock.Clock) *Reconciler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if c == nil {
		c = clock.New()
	}
	return &Reconciler{
		store: store,
		delay: delay,
		clock: c,
		rooms: make(map[string]*entry),
		idle:  make(chan struct{}),
	}
}

// Touch records a change to the room and restarts its debounce timer.
func (r *Reconciler) Touch(room string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[room]
	if !ok {
		e = &entry{}
		r.rooms[room] = e
	}
	e.src = src
	r.armLocked(room, e)
}

func (r *Reconciler) armLocked(room string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.armed = true
	e.timer = r.clock.AfterFunc(r.delay, func() {
		r.fire(room, gen)
	})
}

// Pending reports whether a push is armed or in flight for the room.
func (r *Reconciler) Pending(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room]
	return ok
}

func (r *Reconciler) fire(room string, gen uint64) {
	r.mu.Lock()
	e, ok := r.rooms[room]
	if !ok || e.gen != gen || !e.armed {
		r.mu.Unlock()
		return
	}
	e.armed = false
	e.timer = nil
	if e.inflight {
		e.again = true
		r.mu.Unlock()
		return
	}
	e.inflight = true
	r.mu.Unlock()

	for {
		r.push(room, e.src)

		r.mu.Lock()
		if !e.again {
			e.inflight = false
			if !e.armed {
				delete(r.rooms, room)
				close(r.idle)
				r.idle = make(chan struct{})
			}
			r.mu.Unlock()
			return
		}
		e.again = false
		r.mu.Unlock()
	}
}

// push writes the room's files. Failures are logged and left for the next
// change to retry.
func (r *Reconciler) push(room string, src Source) {
	files := src.Snapshot()
	if len(files) == 0 {
		glog.V(1).Infof("[reconcile]%s is empty, not pushing\n", room)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if _, err := r.store.Put(ctx, &projectstore.Project{RoomID: room, Files: files}); err != nil {
		metrics.Pushes.WithLabelValues(metrics.Error).Inc()
		glog.Warningf("[reconcile]%s\n", &ReconciliationError{Op: "push", Room: room, Err: err})
		return
	}
	metrics.Pushes.WithLabelValues(metrics.OK).Inc()
	glog.V(1).Infof("[reconcile]pushed %s (%d files)\n", room, len(files))
}

// Flush fires every armed timer now and waits until no push is pending.
func (r *Reconciler) Flush(ctx context.Context) error {
	r.mu.Lock()
	for room, e := range r.rooms {
		if !e.armed {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		go r.fire(room, e.gen)
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if len(r.rooms) == 0 {
			r.mu.Unlock()
			return nil
		}
		idle := r.idle
		r.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DefaultTemplate seeds rooms the project store knows nothing about.
func DefaultTemplate() map[string]string {
	return map[string]string{
		"index.js":     "// Welcome to Codepair!\nconsole.log('Hello World');",
		"src/utils.js": "const add = (a, b) => a + b;\nmodule.exports = { add };",
	}
}

package shapesync

import (
	"sync"

	"github.com/shapesync/shapesync/utils"
)

// Snapshot is an immutable view of a collection handed to subscribers.
// Revision grows by one per mutating call, so a subscriber can cheaply tell
// whether anything changed since the last time it looked.
type Snapshot[R any] struct {
	Rows     []R
	Revision uint64
}

// overlay is one optimistic write shadowing the authoritative base value
// until its mutation is confirmed or rolled back.
type overlay[R any] struct {
	id    string // correlation id of the pending mutation
	op    Op
	value R
}

type entry[R any] struct {
	base     *R // last known authoritative value, nil if never confirmed
	overlays []overlay[R]
}

// visible returns the value readers should see: the newest overlay wins over
// the base, a delete overlay hides the row.
func (e *entry[R]) visible() (r R, ok bool) {
	if n := len(e.overlays); n > 0 {
		top := e.overlays[n-1]
		if top.op == OpDelete {
			return r, false
		}
		return top.value, true
	}
	if e.base != nil {
		return *e.base, true
	}
	return r, false
}

func (e *entry[R]) empty() bool {
	return e.base == nil && len(e.overlays) == 0
}

// Collection is the client-side mirror of one server table: a keyed,
// insertion-ordered set of rows where optimistic overlays shadow
// authoritative state. All methods are synchronous and leave the collection
// consistent before subscribers run. Subscribers run outside the lock, so a
// callback may issue further mutations; it must then use Snapshot.Revision
// to discard the stale notifications that reordering produces.
type Collection[R any] struct {
	name string
	key  func(R) string
	log  utils.Logger

	lock     sync.Mutex
	entries  map[string]*entry[R]
	order    []string
	revision uint64
	subs     map[uint64]func(Snapshot[R])
	subseq   uint64
}

func NewCollection[R any](name string, key func(R) string, log utils.Logger) *Collection[R] {
	return &Collection[R]{
		name:    name,
		key:     key,
		log:     log,
		entries: make(map[string]*entry[R]),
		subs:    make(map[uint64]func(Snapshot[R])),
	}
}

func (c *Collection[R]) Name() string { return c.name }

func (c *Collection[R]) Get(key string) (r R, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return r, false
	}
	return e.visible()
}

// List returns visible rows in stable insertion order; updates do not
// reorder.
func (c *Collection[R]) List() []R {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.list()
}

func (c *Collection[R]) list() []R {
	rows := make([]R, 0, len(c.order))
	for _, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if r, ok := e.visible(); ok {
			rows = append(rows, r)
		}
	}
	return rows
}

func (c *Collection[R]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, e := range c.entries {
		if _, ok := e.visible(); ok {
			n++
		}
	}
	return n
}

func (c *Collection[R]) Revision() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.revision
}

// Subscribe registers a callback invoked with a fresh snapshot after every
// mutating call, and once immediately with the current state. The returned
// function cancels the subscription.
func (c *Collection[R]) Subscribe(fn func(Snapshot[R])) func() {
	c.lock.Lock()
	c.subseq++
	id := c.subseq
	c.subs[id] = fn
	snap := Snapshot[R]{Rows: c.list(), Revision: c.revision}
	c.lock.Unlock()

	fn(snap)

	return func() {
		c.lock.Lock()
		delete(c.subs, id)
		c.lock.Unlock()
	}
}

// ApplyOptimistic pushes a local write as an overlay for key, correlated to
// a pending mutation. Inserting an already-visible key fails with
// ErrKeyExists; updating or deleting an invisible one with ErrKeyUnknown.
func (c *Collection[R]) ApplyOptimistic(key string, op Op, value R, correlationID string) error {
	c.lock.Lock()
	e, exists := c.entries[key]
	if exists {
		_, visible := e.visible()
		exists = visible
	}
	switch op {
	case OpInsert:
		if exists {
			c.lock.Unlock()
			return ErrKeyExists
		}
	case OpUpdate, OpDelete:
		if !exists {
			c.lock.Unlock()
			return ErrKeyUnknown
		}
	default:
		c.lock.Unlock()
		return ErrInvalidState
	}
	if e == nil {
		e = &entry[R]{}
		c.entries[key] = e
		c.order = append(c.order, key)
	}
	e.overlays = append(e.overlays, overlay[R]{id: correlationID, op: op, value: value})
	c.notify()
	return nil
}

// ApplyAuthoritative replaces the base value for key with what the server
// reported. Overlays are untouched: a still-pending local write keeps
// display priority over a foreign change to the same key. Subscribers are
// notified exactly once.
func (c *Collection[R]) ApplyAuthoritative(key string, op Op, value *R) {
	c.lock.Lock()
	e, ok := c.entries[key]
	switch op {
	case OpDelete:
		if !ok {
			c.lock.Unlock()
			return
		}
		e.base = nil
		if e.empty() {
			c.remove(key)
		}
	default:
		if !ok {
			e = &entry[R]{}
			c.entries[key] = e
			c.order = append(c.order, key)
		}
		e.base = value
	}
	c.notify()
}

// ApplyConfirmed retires the overlay identified by correlationID and swaps
// in the authoritative value in one step, so readers never observe the key
// missing or half-applied in between. One notification.
func (c *Collection[R]) ApplyConfirmed(key string, op Op, value *R, correlationID string) {
	c.lock.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[R]{}
		c.entries[key] = e
		c.order = append(c.order, key)
	}
	e.dropOverlay(correlationID)
	if op == OpDelete {
		e.base = nil
	} else {
		e.base = value
	}
	if e.empty() {
		c.remove(key)
	}
	c.notify()
}

// ClearOverlay drops a single overlay, exposing whatever is underneath: an
// earlier still-pending overlay or the authoritative base. Used by the
// reconciler on rollback.
func (c *Collection[R]) ClearOverlay(key string, correlationID string) {
	c.lock.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.lock.Unlock()
		return
	}
	if !e.dropOverlay(correlationID) {
		c.lock.Unlock()
		return
	}
	if e.empty() {
		c.remove(key)
	}
	c.notify()
}

func (e *entry[R]) dropOverlay(correlationID string) bool {
	for i := range e.overlays {
		if e.overlays[i].id == correlationID {
			e.overlays = append(e.overlays[:i], e.overlays[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Collection[R]) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// notify is called with the lock held, bumps the revision, and invokes
// subscribers after releasing it.
func (c *Collection[R]) notify() {
	c.revision++
	snap := Snapshot[R]{Rows: c.list(), Revision: c.revision}
	subs := make([]func(Snapshot[R]), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.lock.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

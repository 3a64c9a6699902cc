package nvcfg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies a registry slot.
type Handle uint32

// entry is the type-erased view of a Cell used by the registry and the worker.
type entry interface {
	Key() Key
	Path() string
	State() CellState
	Err() error

	hydrate(data []byte) hydrateOutcome
	hydrateMissing()
	failHydration(err error)
	stage(p *page, forced bool) stageOutcome
	finishWrite(err error, maxRetries int) (retry bool)
}

type hydrateOutcome int

const (
	hydrateSkipped hydrateOutcome = iota
	hydrateClean
	hydrateUpgraded
	hydrateFailed
	hydrateOverwritten
)

type stageOutcome int

const (
	stageSkipped stageOutcome = iota
	stageAdded
	stagePageFull
	stageFailed
)

// Registry holds every attached cell in a fixed number of slots, indexed in
// key order. Slots are never freed.
//
// The mutex only guards slot allocation and the sorted index. Traversal works
// on a copy of the index, so cells may attach while a flush is in progress;
// they join the next cycle.
type Registry struct {
	mu    sync.Mutex
	slots []entry  // len == capacity; slots[:n] are in use
	order []Handle // sorted by key, cap == capacity
	n     int

	wake       chan struct{}
	lateAttach atomic.Bool
	forced     atomic.Bool

	// unix nanos of the first Dirty transition in the current debounce window
	windowStart  atomic.Int64
	pendingBytes atomic.Int64

	hydrated     chan struct{}
	hydratedOnce sync.Once
	hydrateErr   error

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRegistry returns a registry for at most capacity cells.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 || uint64(capacity) > uint64(^Handle(0)) {
		panic(fmt.Errorf("nvcfg: invalid registry capacity %d", capacity))
	}
	return &Registry{
		slots:    make([]entry, capacity),
		order:    make([]Handle, 0, capacity),
		wake:     make(chan struct{}, 1),
		hydrated: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (r *Registry) Cap() int {
	return len(r.slots)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Registry) attach(e entry) (Handle, error) {
	key := e.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	i, found := r.search(r.order, key)
	if found {
		return 0, ErrDuplicateKey
	}
	if r.n >= len(r.slots) {
		return 0, ErrFull
	}
	h := Handle(r.n)
	r.slots[h] = e
	r.n++

	// insert in place; cap(order) == capacity, so this never allocates
	r.order = r.order[:len(r.order)+1]
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = h
	return h, nil
}

func (r *Registry) search(order []Handle, key Key) (int, bool) {
	lo, hi := 0, len(order)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if r.slots[order[mid]].Key().Compare(key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(order) && r.slots[order[lo]].Key() == key
}

func (r *Registry) entry(h Handle) entry {
	return r.slots[h]
}

// snapshot appends the key-ordered handles to buf.
func (r *Registry) snapshot(buf []Handle) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(buf, r.order...)
}

// Keys returns the keys of all attached cells in ascending order.
func (r *Registry) Keys() []Key {
	order := r.snapshot(nil)
	keys := make([]Key, len(order))
	for i, h := range order {
		keys[i] = r.slots[h].Key()
	}
	return keys
}

// CellInfo is a point-in-time description of an attached cell.
type CellInfo struct {
	Handle Handle
	Key    Key
	Path   string
	State  CellState
	Err    error
}

func (r *Registry) info(h Handle) CellInfo {
	e := r.slots[h]
	return CellInfo{
		Handle: h,
		Key:    e.Key(),
		Path:   e.Path(),
		State:  e.State(),
		Err:    e.Err(),
	}
}

func (r *Registry) Lookup(key Key) (CellInfo, bool) {
	r.mu.Lock()
	i, found := r.search(r.order, key)
	var h Handle
	if found {
		h = r.order[i]
	}
	r.mu.Unlock()
	if !found {
		return CellInfo{}, false
	}
	return r.info(h), true
}

// Each calls f for every attached cell in key order until f returns false.
func (r *Registry) Each(f func(ci CellInfo) bool) {
	for _, h := range r.snapshot(nil) {
		if !f(r.info(h)) {
			break
		}
	}
}

// WaitHydrated blocks until the worker has completed its first hydration pass.
// It returns the error that aborted the pass, if any.
func (r *Registry) WaitHydrated(ctx context.Context) error {
	select {
	case <-r.hydrated:
		return r.hydrateErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) markHydrated(err error) {
	r.hydratedOnce.Do(func() {
		r.hydrateErr = err
		close(r.hydrated)
	})
}

func (r *Registry) stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) noteAttached() {
	r.lateAttach.Store(true)
	r.signal()
}

func (r *Registry) noteDirty(size int) {
	r.windowStart.CompareAndSwap(0, time.Now().UnixNano())
	r.pendingBytes.Add(int64(size + recordOverhead))
	r.signal()
}

func (r *Registry) requestFlush() {
	r.forced.Store(true)
	r.signal()
}

// rearmWindow opens a new debounce window unless one is already open.
func (r *Registry) rearmWindow() {
	r.windowStart.CompareAndSwap(0, time.Now().UnixNano())
	r.signal()
}

func (r *Registry) resetWindow() {
	r.windowStart.Store(0)
	r.pendingBytes.Store(0)
}

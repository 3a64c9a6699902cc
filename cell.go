package nvcfg

import (
	"context"
	"errors"
	"sync"
)

// Cell is a typed, persisted configuration value addressed by a path.
//
// Reads and writes only touch RAM. The worker hydrates the cell from the
// backend after Attach and persists it some time after Write; Commit waits for
// that to happen.
type Cell[T any] struct {
	path  string
	key   Key
	codec Codec[T]
	def   T

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every transition
	reg     *Registry
	state   CellState
	value   T
	err     error

	// defaulted is set while value is a default rather than a stored or
	// written value; loaded once LoadOrDefault had a chance to replace it.
	defaulted bool
	loaded    bool

	// pending is set while value has not been persisted and should be.
	pending bool

	gen       uint64 // bumped whenever value needs persisting
	stagedGen uint64 // gen captured by the in-flight batch
	savedGen  uint64 // newest gen known to be durable

	attempts   int    // consecutive failed flushes
	attemptSeq uint64 // total finished flushes involving this cell
	persistent bool
	size       int // last known encoded size
}

var _ entry = (*Cell[int])(nil)

// NewCell returns an unattached cell whose key is derived from path using
// DefaultKeyCodec. def is used until a stored value is known, and is persisted
// if the backend has no record for the key.
func NewCell[T any](path string, def T, codec Codec[T]) *Cell[T] {
	return NewCellWithKey(DeriveKey(path), path, def, codec)
}

// NewCellWithKey is like NewCell with an explicitly derived key.
func NewCellWithKey[T any](key Key, path string, def T, codec Codec[T]) *Cell[T] {
	if codec == nil {
		panic("nvcfg: nil codec for " + path)
	}
	return &Cell[T]{
		path:      path,
		key:       key,
		codec:     codec,
		def:       def,
		value:     def,
		defaulted: true,
		changed:   make(chan struct{}),
	}
}

func (c *Cell[T]) Key() Key {
	return c.key
}

func (c *Cell[T]) Path() string {
	return c.path
}

func (c *Cell[T]) State() CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the cell into the Failed state.
func (c *Cell[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cell[T]) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg != nil
}

// Attach registers the cell. The cell becomes Hydrating and is loaded by the
// worker's next hydration pass.
func (c *Cell[T]) Attach(reg *Registry) error {
	c.mu.Lock()
	if c.reg != nil {
		c.mu.Unlock()
		return cellErrf(c.path, c.key, ErrAlreadyAttached, "")
	}
	_, err := reg.attach(c)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrDuplicateKey) {
			return cellErrf(c.path, c.key, err, "key already taken")
		}
		return cellErrf(c.path, c.key, err, "")
	}
	c.reg = reg
	c.state = Hydrating
	c.notifyLocked()
	c.mu.Unlock()

	reg.noteAttached()
	return nil
}

// LoadOrDefault waits for hydration and returns the value. When the backend
// had no usable record, the first call replaces the cell's default with def;
// a missing record is then persisted as def.
func (c *Cell[T]) LoadOrDefault(ctx context.Context, def T) (T, error) {
	for {
		c.mu.Lock()
		if c.reg == nil {
			v := c.value
			c.mu.Unlock()
			return v, cellErrf(c.path, c.key, ErrNotAttached, "")
		}
		if c.state != Hydrating {
			v, reg, size, dirtied := c.loadLocked(def)
			c.mu.Unlock()
			if dirtied {
				reg.noteDirty(size)
			}
			return v, nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return c.Read(), ctx.Err()
		}
	}
}

func (c *Cell[T]) loadLocked(def T) (v T, reg *Registry, size int, dirtied bool) {
	if c.defaulted && !c.loaded {
		c.value = def
		// a default may already have been persisted in place of a missing
		// record; decode failures keep their bytes until the app writes
		if c.pending || c.state == Clean {
			c.pending = true
			dirtied = c.markDirtyLocked()
		}
		c.notifyLocked()
	}
	c.loaded = true
	return c.value, c.reg, c.size, dirtied
}

// Read returns the current in-memory value. It never blocks on I/O.
func (c *Cell[T]) Read() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Write replaces the value in memory and schedules it for persisting. It never
// blocks on I/O.
func (c *Cell[T]) Write(v T) {
	c.mu.Lock()
	c.value = v
	c.defaulted = false
	c.loaded = true
	c.pending = true
	dirtied := c.markDirtyLocked()
	reg, size := c.reg, c.size
	c.notifyLocked()
	c.mu.Unlock()

	if dirtied {
		reg.noteDirty(size)
	}
}

// markDirtyLocked bumps the generation and moves the cell to Dirty. It reports
// whether the cell has just become Dirty.
func (c *Cell[T]) markDirtyLocked() bool {
	c.gen++
	switch c.state {
	case Unattached, Hydrating, Dirty:
		// hydration decides once the stored value is known
		return false
	case Failed:
		c.attempts = 0
		c.persistent = false
		c.err = nil
	}
	c.state = Dirty
	return true
}

// Commit blocks until the value as of the call is durable, or the attempt to
// persist it fails. It asks the worker for an immediate flush.
//
// A cell whose stored bytes could not be decoded and that was not written
// since returns the decode error.
func (c *Cell[T]) Commit(ctx context.Context) error {
	c.mu.Lock()
	reg, startSeq := c.reg, c.attemptSeq
	c.mu.Unlock()
	if reg == nil {
		return cellErrf(c.path, c.key, ErrNotAttached, "")
	}

	// the target generation is only known once hydration has settled the value
	var target uint64
	var targeted, requested bool
	for {
		c.mu.Lock()
		state, pending, err := c.state, c.pending, c.err
		saved, seq := c.savedGen, c.attemptSeq
		if !targeted && state != Hydrating {
			target, targeted = c.gen, true
		}
		ch := c.changed
		c.mu.Unlock()

		if targeted {
			switch {
			case state == Failed && !pending:
				return err
			case saved >= target:
				return nil
			case state == Failed && seq > startSeq:
				return err
			}
			if !requested {
				reg.requestFlush()
				requested = true
			}
		}

		select {
		case <-ch:
		case <-reg.stopped:
			return cellErrf(c.path, c.key, ErrStopped, "")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Cell[T]) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Cell[T]) hydrate(data []byte) hydrateOutcome {
	c.mu.Lock()
	if c.state != Hydrating {
		c.mu.Unlock()
		return hydrateSkipped
	}
	if c.pending {
		// written before hydration finished; the write wins
		c.mu.Unlock()
		return c.finishHydration(hydrateOverwritten)
	}
	c.mu.Unlock()

	v, meta, err := safeDecode(c.codec, data)

	c.mu.Lock()
	if c.state != Hydrating {
		c.mu.Unlock()
		return hydrateSkipped
	}
	c.size = len(data)
	switch {
	case c.pending:
		c.mu.Unlock()
		return c.finishHydration(hydrateOverwritten)
	case err != nil:
		c.value = c.def
		c.defaulted = true
		c.state = Failed
		c.err = cellErrf(c.path, c.key, err, "cannot decode stored value")
		c.notifyLocked()
		c.mu.Unlock()
		return hydrateFailed
	case meta.Upgraded:
		c.value = v
		c.defaulted = false
		c.pending = true
		c.mu.Unlock()
		return c.finishHydration(hydrateUpgraded)
	default:
		c.value = v
		c.defaulted = false
		c.state = Clean
		c.notifyLocked()
		c.mu.Unlock()
		return hydrateClean
	}
}

// finishHydration moves a pending Hydrating cell to Dirty.
func (c *Cell[T]) finishHydration(outcome hydrateOutcome) hydrateOutcome {
	c.mu.Lock()
	if c.state != Hydrating {
		c.mu.Unlock()
		return hydrateSkipped
	}
	c.gen++
	c.state = Dirty
	reg, size := c.reg, c.size
	c.notifyLocked()
	c.mu.Unlock()

	reg.noteDirty(size)
	return outcome
}

func (c *Cell[T]) hydrateMissing() {
	c.mu.Lock()
	if c.state != Hydrating {
		c.mu.Unlock()
		return
	}
	if !c.pending {
		c.value = c.def
		c.defaulted = true
		c.pending = true
	}
	c.mu.Unlock()
	c.finishHydration(hydrateClean)
}

func (c *Cell[T]) failHydration(err error) {
	c.mu.Lock()
	if c.state != Hydrating {
		c.mu.Unlock()
		return
	}
	if c.pending {
		c.mu.Unlock()
		c.finishHydration(hydrateOverwritten)
		return
	}
	c.value = c.def
	c.defaulted = true
	c.state = Failed
	c.err = cellErrf(c.path, c.key, err, "cannot load stored value")
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Cell[T]) stage(p *page, forced bool) stageOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Dirty:
	case Failed:
		if !c.pending || (c.persistent && !forced) {
			return stageSkipped
		}
	default:
		return stageSkipped
	}

	size, fit, err := p.appendRecord(c.key, func(buf []byte) ([]byte, error) {
		return safeEncode(c.codec, buf, c.value)
	})
	if err != nil {
		c.failStageLocked(cellErrf(c.path, c.key, err, "cannot encode value"))
		return stageFailed
	}
	if !fit {
		if KeySize+uvarintLen(uint64(size))+size > p.limit() {
			c.failStageLocked(cellErrf(c.path, c.key, ErrRecordTooLarge, "%d bytes, page is %d", size, p.limit()))
			return stageFailed
		}
		return stagePageFull
	}
	c.size = size
	c.stagedGen = c.gen
	c.state = Writing
	c.notifyLocked()
	return stageAdded
}

// failStageLocked records a failure that retrying cannot fix. The cell stays
// Failed until the next Write.
func (c *Cell[T]) failStageLocked(err error) {
	c.state = Failed
	c.pending = false
	c.persistent = true
	c.err = err
	c.attemptSeq++
	c.notifyLocked()
}

func (c *Cell[T]) finishWrite(err error, maxRetries int) (retry bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attemptSeq++
	if err == nil {
		c.savedGen = max(c.savedGen, c.stagedGen)
		c.attempts = 0
		c.persistent = false
		if c.state == Writing {
			c.state = Clean
			c.pending = false
			c.err = nil
		}
		c.notifyLocked()
		return false
	}

	c.attempts++
	if c.state == Writing {
		c.persistent = c.attempts > maxRetries
		c.state = Failed
		c.err = cellErrf(c.path, c.key, &FlushError{Attempts: c.attempts, Persistent: c.persistent, Err: err}, "")
	}
	c.notifyLocked()
	return c.state == Failed && !c.persistent
}

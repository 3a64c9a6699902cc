package nvcfg

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemBackend is a transient in-memory Backend, intended for tests and
// simulations. Committed state survives for the lifetime of the object, so
// a "reboot" is simulated by building a new registry and worker over the same
// MemBackend.
type MemBackend struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []memKV // sorted by key
	closed bool
	writer bool
}

var (
	_ Backend     = (*MemBackend)(nil)
	_ PointReader = (*MemBackend)(nil)
)

type memKV struct {
	key   Key
	value []byte
}

func NewMemBackend() *MemBackend {
	s := &MemBackend{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *MemBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Len returns the number of stored records.
func (s *MemBackend) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Get returns a copy of the stored value.
func (s *MemBackend) Get(key Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := findMemKV(s.items, key)
	if !ok {
		return nil, false
	}
	return slices.Clone(s.items[i].value), true
}

// Set stores a record directly, bypassing transactions. Useful for seeding.
func (s *MemBackend) Set(key Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = putMemKV(slices.Clone(s.items), key, slices.Clone(value))
}

func (s *MemBackend) Lookup(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, fmt.Errorf("storage closed")
	}
	i, ok := findMemKV(s.items, key)
	if !ok {
		return nil, false, nil
	}
	return s.items[i].value, true, nil
}

func (s *MemBackend) Iterate(ctx context.Context) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	// committed slices are never mutated in place, so sharing is a snapshot
	return &memCursor{ctx: ctx, items: s.items, pos: -1}, nil
}

func (s *MemBackend) BeginWrite(ctx context.Context) (WriteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writer && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	s.writer = true
	return &memWriteTx{base: s}, nil
}

type memWriteTx struct {
	base    *MemBackend
	pending []memKV
	closed  bool
}

func (tx *memWriteTx) Put(key Key, value []byte) error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	tx.pending = append(tx.pending, memKV{key, slices.Clone(value)})
	return nil
}

func (tx *memWriteTx) Commit() error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	s := tx.base
	s.mu.Lock()
	defer s.mu.Unlock()
	defer tx.closeLocked()
	if s.closed {
		return fmt.Errorf("storage closed")
	}
	items := slices.Clone(s.items)
	for _, kv := range tx.pending {
		items = putMemKV(items, kv.key, kv.value)
	}
	s.items = items
	return nil
}

func (tx *memWriteTx) Rollback() error {
	s := tx.base
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memWriteTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.pending = nil
	tx.base.writer = false
	tx.base.cond.Broadcast()
}

func findMemKV(items []memKV, key Key) (int, bool) {
	return slices.BinarySearchFunc(items, key, func(kv memKV, k Key) int {
		return kv.key.Compare(k)
	})
}

func putMemKV(items []memKV, key Key, value []byte) []memKV {
	i, ok := findMemKV(items, key)
	if ok {
		items[i].value = value
		return items
	}
	return slices.Insert(items, i, memKV{key, value})
}

type memCursor struct {
	ctx   context.Context
	items []memKV
	pos   int
	err   error
}

func (c *memCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.items) {
		c.pos = len(c.items)
		return false
	}
	c.pos++
	return true
}

func (c *memCursor) Key() Key { return c.items[c.pos].key }

func (c *memCursor) Value() []byte { return c.items[c.pos].value }

func (c *memCursor) Err() error { return c.err }

func (c *memCursor) Close() error { return nil }

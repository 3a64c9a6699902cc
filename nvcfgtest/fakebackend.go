package nvcfgtest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/andreyvit/nvcfg"
)

var ErrInjected = errors.New("injected failure")

// FakeBackend is an in-memory backend that records every transaction and can
// be told to fail.
type FakeBackend struct {
	*nvcfg.MemBackend

	mu            sync.Mutex
	begins        int
	txs           [][]nvcfg.Key
	failedCommits int
	failCommits   int
	iterateErr    error
	lookupErr     error
	gate          chan struct{}
}

var (
	_ nvcfg.Backend     = (*FakeBackend)(nil)
	_ nvcfg.PointReader = (*FakeBackend)(nil)
)

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{MemBackend: nvcfg.NewMemBackend()}
}

// FailNextCommits makes the next n commits fail with ErrInjected.
func (b *FakeBackend) FailNextCommits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCommits = n
}

// FailIterate makes Iterate fail with err until called with nil.
func (b *FakeBackend) FailIterate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iterateErr = err
}

// FailLookup makes Lookup fail with err until called with nil.
func (b *FakeBackend) FailLookup(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookupErr = err
}

// HoldCommits blocks commits until release is called.
func (b *FakeBackend) HoldCommits() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Transactions returns the keys of every committed transaction, in order.
func (b *FakeBackend) Transactions() [][]nvcfg.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([][]nvcfg.Key, len(b.txs))
	for i, keys := range b.txs {
		result[i] = slices.Clone(keys)
	}
	return result
}

func (b *FakeBackend) TxCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.txs)
}

func (b *FakeBackend) Begins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begins
}

func (b *FakeBackend) FailedCommits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failedCommits
}

func (b *FakeBackend) Iterate(ctx context.Context) (nvcfg.Cursor, error) {
	b.mu.Lock()
	err := b.iterateErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.MemBackend.Iterate(ctx)
}

func (b *FakeBackend) Lookup(ctx context.Context, key nvcfg.Key) ([]byte, bool, error) {
	b.mu.Lock()
	err := b.lookupErr
	b.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return b.MemBackend.Lookup(ctx, key)
}

func (b *FakeBackend) BeginWrite(ctx context.Context) (nvcfg.WriteTx, error) {
	tx, err := b.MemBackend.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.begins++
	b.mu.Unlock()
	return &fakeTx{b: b, tx: tx}, nil
}

type fakeTx struct {
	b    *FakeBackend
	tx   nvcfg.WriteTx
	keys []nvcfg.Key
}

func (tx *fakeTx) Put(key nvcfg.Key, value []byte) error {
	tx.keys = append(tx.keys, key)
	return tx.tx.Put(key, value)
}

func (tx *fakeTx) Commit() error {
	b := tx.b
	b.mu.Lock()
	gate := b.gate
	fail := b.failCommits > 0
	if fail {
		b.failCommits--
	}
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		tx.tx.Rollback()
		b.mu.Lock()
		b.failedCommits++
		b.mu.Unlock()
		return ErrInjected
	}

	if err := tx.tx.Commit(); err != nil {
		return err
	}
	b.mu.Lock()
	b.txs = append(b.txs, tx.keys)
	b.mu.Unlock()
	return nil
}

func (tx *fakeTx) Rollback() error {
	return tx.tx.Rollback()
}

package nvcfg

import "context"

// Backend is a key-value store holding one record per key. It owns the
// physical layout, wear leveling and power-loss atomicity; the worker is its
// only writer.
type Backend interface {
	// Iterate starts a pass over all records. Passes are finite and can be
	// restarted by calling Iterate again.
	Iterate(ctx context.Context) (Cursor, error)

	// BeginWrite opens a write transaction. Records Put into it become visible
	// all at once on Commit, or not at all, even across power loss.
	BeginWrite(ctx context.Context) (WriteTx, error)

	Close() error
}

// PointReader is implemented by backends that can look up a single key
// without a full pass.
type PointReader interface {
	// Lookup returns the stored value, or ok=false if the key is absent.
	// The value is only valid until the next call into the backend.
	Lookup(ctx context.Context, key Key) (value []byte, ok bool, err error)
}

// Cursor iterates over records. Key and Value are valid until the next call
// to Next.
type Cursor interface {
	Next() bool
	Key() Key
	Value() []byte
	Err() error
	Close() error
}

type WriteTx interface {
	Put(key Key, value []byte) error
	Commit() error

	// Rollback aborts the transaction. It should be safe to call after Commit
	// and multiple times.
	Rollback() error
}

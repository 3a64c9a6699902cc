package nvcfg

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var defaultBoltBucket = []byte("nvcfg")

type BoltOptions struct {
	// Bucket holds the records. Defaults to "nvcfg".
	Bucket string

	// IsTesting disables fsync and shrinks the initial mmap.
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration
}

// BoltBackend stores records in a single Bolt bucket, keyed by the raw key
// bytes, so iteration is in key order.
type BoltBackend struct {
	bdb  *bbolt.DB
	buck []byte
}

var (
	_ Backend     = (*BoltBackend)(nil)
	_ PointReader = (*BoltBackend)(nil)
)

func OpenBolt(path string, opt BoltOptions) (*BoltBackend, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("nvcfg: %w", err)
	}
	return NewBoltBackend(bdb, opt.Bucket)
}

// NewBoltBackend uses an already open Bolt database. Close closes bdb.
func NewBoltBackend(bdb *bbolt.DB, bucket string) (*BoltBackend, error) {
	buck := defaultBoltBucket
	if bucket != "" {
		buck = []byte(bucket)
	}
	err := bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(buck)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("nvcfg: creating bucket %q: %w", buck, err)
	}
	return &BoltBackend{bdb: bdb, buck: buck}, nil
}

func (s *BoltBackend) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *BoltBackend) Close() error {
	return s.bdb.Close()
}

func (s *BoltBackend) Lookup(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	var found bool
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(s.buck).Get(key[:])
		found = v != nil
		if found {
			value = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (s *BoltBackend) Iterate(ctx context.Context) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltCursor{ctx: ctx, btx: btx, c: btx.Bucket(s.buck).Cursor()}, nil
}

func (s *BoltBackend) BeginWrite(ctx context.Context) (WriteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.bdb.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltWriteTx{btx: btx, b: btx.Bucket(s.buck)}, nil
}

type boltCursor struct {
	ctx     context.Context
	btx     *bbolt.Tx
	c       *bbolt.Cursor
	started bool
	k, v    []byte
	err     error
}

func (c *boltCursor) Next() bool {
	if c.err != nil || c.btx == nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	for {
		if c.started {
			c.k, c.v = c.c.Next()
		} else {
			c.k, c.v = c.c.First()
			c.started = true
		}
		if c.k == nil {
			return false
		}
		// foreign keys (wrong width or nested buckets) are not ours
		if len(c.k) == KeySize && c.v != nil {
			return true
		}
	}
}

func (c *boltCursor) Key() Key {
	k, _ := KeyFromBytes(c.k)
	return k
}

func (c *boltCursor) Value() []byte { return c.v }

func (c *boltCursor) Err() error { return c.err }

func (c *boltCursor) Close() error {
	if c.btx == nil {
		return nil
	}
	err := c.btx.Rollback()
	c.btx = nil
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltWriteTx struct {
	btx *bbolt.Tx
	b   *bbolt.Bucket
}

func (tx *boltWriteTx) Put(key Key, value []byte) error {
	return tx.b.Put(key[:], value)
}

func (tx *boltWriteTx) Commit() error { return tx.btx.Commit() }

func (tx *boltWriteTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

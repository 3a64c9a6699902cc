// Package logstore implements an append-only, log-structured nvcfg backend
// that mimics how configuration is kept on NOR flash: records are only ever
// appended, and space is reclaimed by copying live records into a fresh
// segment.
//
// Features:
//
//  1. Atomic multi-record transactions. Each transaction ends with a commit
//     marker carrying a running xxhash64 checksum of the segment so far;
//     anything after the last valid marker is discarded on open.
//
//  2. The full key/value state is held in memory, so lookups and iteration
//     never touch the disk.
//
//  3. Compaction: once a segment grows MaxFileSize past its snapshot, live
//     records are written into a new snapshot segment and older segments are
//     removed.
//
// File format:
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentOrdinal:32 timestamp:32 firstTx:64 invariant:64*4 reserved:64*7 checksum:64
//   - record = flagsAndSize:uvarint key:8 value
//   - commit = checksum:64 with the lowest bit set
package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/nvcfg"
	"github.com/andreyvit/nvcfg/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible log store")
	ErrUnsupportedVersion = errors.New("unsupported log segment version")
	ErrClosed             = errors.New("log store closed")
	errCorruptedFile      = errors.New("corrupted log segment file")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "config-*.log"
	MaxFileSize int64  // compact after the segment grows this much
	DebugName   string
	Now         func() time.Time

	// Invariant is stored in every segment; segments with a different one are
	// rejected with ErrIncompatible.
	Invariant [32]byte

	// NoSync skips fdatasync after commits. Only for tests.
	NoSync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 256 * 1024

// Store is a log-structured nvcfg.Backend over a directory of segment files.
type Store struct {
	context        context.Context
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	maxFileSize    int64
	invariant      [32]byte
	now            func() time.Time
	noSync         bool
	logger         *slog.Logger
	verbose        bool

	// writeLock is held from BeginWrite until Commit or Rollback, and by
	// Compact.
	writeLock sync.Mutex
	writeErr  error
	seg       *segmentWriter
	lastSeq   uint32
	txSeq     uint64
	files     []string

	mu     sync.Mutex
	items  []kv // sorted by key; replaced, never mutated, once published
	closed bool
	stats  Stats
}

var (
	_ nvcfg.Backend     = (*Store)(nil)
	_ nvcfg.PointReader = (*Store)(nil)
)

type kv struct {
	key   nvcfg.Key
	value []byte
}

type Stats struct {
	Segments       int
	Records        int
	Transactions   uint64
	Compactions    uint64
	FileSize       int64
	DiscardedBytes int64
}

// Open replays all segments in dir, creating dir if needed.
func Open(dir string, o Options) (*Store, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "nvcfg-*.log"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "logstore"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	s := &Store{
		context:        o.Context,
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		maxFileSize:    o.MaxFileSize,
		invariant:      o.Invariant,
		now:            o.Now,
		noSync:         o.NoSync,
		logger:         o.Logger,
		verbose:        o.Verbose,
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("%v: %w", s.debugName, err)
	}
	if err := s.load(); err != nil {
		s.seg.closeIfAny()
		return nil, fmt.Errorf("%v: %w", s.debugName, err)
	}
	return s, nil
}

func (s *Store) String() string {
	return s.debugName
}

func (s *Store) load() error {
	start := time.Now()
	names, err := s.listSegments()
	if err != nil {
		return err
	}

	var results []*replayResult
	for i, name := range names {
		r, err := s.replaySegment(name)
		if err == errCorruptedFile && i == len(names)-1 {
			// crashed while starting a segment
			s.logger.LogAttrs(s.context, slog.LevelWarn, "logstore: deleting corrupted file", slog.String("store", s.debugName), slog.String("file", name))
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return fmt.Errorf("failed to delete corrupted file: %w", err)
			}
			names = names[:i]
			break
		} else if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if r.good < r.size && i < len(names)-1 {
			return fmt.Errorf("%s: %w: %d bytes after the last commit", name, errCorruptedFile, r.size-r.good)
		}
		s.lastSeq = r.hdr.SegmentOrdinal
		s.txSeq = max(s.txSeq, r.hdr.FirstTx-1+uint64(r.txs))
		results = append(results, r)
	}

	// a snapshot that never committed would reset the state if appended to
	if n := len(results); n > 0 && results[n-1].isSnapshot() && results[n-1].txs == 0 {
		name := names[n-1]
		s.logger.LogAttrs(s.context, slog.LevelWarn, "logstore: deleting unfinished snapshot", slog.String("store", s.debugName), slog.String("file", name))
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return err
		}
		names, results = names[:n-1], results[:n-1]
	}

	// segments before a committed snapshot are redundant
	for i := len(results) - 1; i > 0; i-- {
		if results[i].isSnapshot() {
			for _, name := range names[:i] {
				if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
					return err
				}
			}
			names, results = names[i:], results[i:]
			break
		}
	}
	s.files = names

	var discarded int64
	if n := len(results); n > 0 {
		r := results[n-1]
		if r.good < r.size {
			discarded = r.size - r.good
			s.logger.LogAttrs(s.context, slog.LevelWarn, "logstore: discarding uncommitted tail",
				slog.String("store", s.debugName), slog.String("file", names[n-1]),
				slog.Int64("size", r.size), slog.Int64("committed", r.good))
		}
		if err := s.resumeSegment(names[n-1], r); err != nil {
			return err
		}
	}

	s.stats.Segments = len(s.files)
	s.stats.Records = len(s.items)
	s.stats.Transactions = s.txSeq
	s.stats.DiscardedBytes = discarded
	if s.seg != nil {
		s.stats.FileSize = s.seg.size
	}

	s.logger.LogAttrs(s.context, slog.LevelInfo, "logstore: opened",
		slog.String("store", s.debugName),
		slog.Int("segments", len(s.files)),
		slog.Int("records", len(s.items)),
		slog.Uint64("transactions", s.txSeq),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Store) listSegments() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, s.fileNamePrefix) || !strings.HasSuffix(name, s.fileNameSuffix) {
			continue
		}
		if _, _, _, err := s.parseName(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) parseName(name string) (seq, ts uint32, id uint64, err error) {
	core := strings.TrimSuffix(strings.TrimPrefix(name, s.fileNamePrefix), s.fileNameSuffix)
	return parseSegmentName(core)
}

type replayResult struct {
	hdr  segmentHeader
	hash xxhash.Digest
	good int64 // size of the committed prefix
	size int64
	txs  int
}

func (r *replayResult) isSnapshot() bool {
	return r.hdr.Flags&segFlagSnapshot != 0
}

func (s *Store) replaySegment(name string) (*replayResult, error) {
	seq, _, _, err := s.parseName(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.MapFile(f, mmap.SequentialAccess)
	if err != nil {
		return nil, err
	}
	if data != nil {
		defer mmap.Munmap(data)
	}

	r := &replayResult{size: int64(len(data))}
	if err := decodeSegmentHeader(data, &r.hdr); err != nil {
		return nil, err
	}
	if r.hdr.SegmentOrdinal != seq {
		return nil, errCorruptedFile
	}
	if r.hdr.StoreInvariant != s.invariant {
		return nil, ErrIncompatible
	}
	r.hash.Reset()
	r.hash.Write(data[:segmentHeaderSize])

	snapshot := r.isSnapshot()
	var pending []kv
	off := segmentHeaderSize
	r.good = int64(off)
	for off < len(data) {
		if data[off]&recordFlagCommit != 0 {
			end := off + commitMarkerSize
			if end > len(data) || !commitMatches(data[off:end], r.hash.Sum64()) {
				break
			}
			r.hash.Write(data[off:end])
			if snapshot && r.txs == 0 {
				s.items = nil
			}
			s.items = applyKVs(s.items, pending)
			pending = pending[:0]
			r.txs++
			off = end
			r.good = int64(off)
			continue
		}

		v, n := binary.Uvarint(data[off:])
		if n <= 0 {
			break
		}
		size := v >> recordFlagShift
		keyOff := off + n
		valueOff := keyOff + nvcfg.KeySize
		if valueOff > len(data) || size > uint64(len(data)-valueOff) {
			break
		}
		end := valueOff + int(size)
		key, _ := nvcfg.KeyFromBytes(data[keyOff:valueOff])
		pending = append(pending, kv{key, slices.Clone(data[valueOff:end])})
		r.hash.Write(data[off:end])
		off = end
	}

	// rewind the hash to the committed prefix
	if r.good < r.size {
		r.hash.Reset()
		r.hash.Write(data[:r.good])
	}
	return r, nil
}

// resumeSegment reopens the last segment for appending after its committed
// prefix.
func (s *Store) resumeSegment(name string, r *replayResult) error {
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	if r.good < r.size {
		if err := f.Truncate(r.good); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Seek(r.good, 0); err != nil {
		f.Close()
		return err
	}
	s.seg = &segmentWriter{
		f:    f,
		name: name,
		seq:  r.hdr.SegmentOrdinal,
		size: r.good,
		hash: r.hash,
	}
	if r.isSnapshot() {
		s.seg.snapshotEnd = r.good
	}
	return nil
}

func (sw *segmentWriter) closeIfAny() {
	if sw != nil {
		sw.close()
	}
}

// startSegment creates the next segment file and writes its header.
func (s *Store) startSegment(flags uint16) (*segmentWriter, error) {
	seq := s.lastSeq + 1
	ts := s.timestamp()
	firstTx := s.txSeq + 1
	name := formatSegmentName(s.fileNamePrefix, s.fileNameSuffix, seq, ts, firstTx)

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{f: f, name: name, seq: seq}
	sw.hash.Reset()

	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		Flags:          flags,
		SegmentOrdinal: seq,
		Timestamp:      ts,
		FirstTx:        firstTx,
		StoreInvariant: s.invariant,
	}
	var hbuf [segmentHeaderSize]byte
	encodeSegmentHeader(hbuf[:], &h, &sw.hash)
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}
	sw.size = segmentHeaderSize

	if !s.noSync {
		if err := mmap.Fdatasync(f); err != nil {
			return nil, err
		}
		if err := mmap.SyncDir(s.dir); err != nil {
			s.logger.LogAttrs(s.context, slog.LevelDebug, "logstore: cannot sync directory", slog.String("store", s.debugName), slog.Any("err", err))
		}
	}

	s.lastSeq = seq
	ok = true
	return sw, nil
}

func (s *Store) timestamp() uint32 {
	v := s.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

// fail poisons the store after a write error; the on-disk state is unknown
// until the store is reopened.
func (s *Store) fail(err error) error {
	if err == nil {
		return nil
	}
	s.logger.LogAttrs(s.context, slog.LevelError, "logstore: failed", slog.String("store", s.debugName), slog.Any("err", err))
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.seg.closeIfAny()
	s.seg = nil
	return err
}

func (s *Store) commitLocked(buf []byte, recs []kv) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.isClosed() {
		return ErrClosed
	}
	if s.seg == nil {
		seg, err := s.startSegment(0)
		if err != nil {
			return s.fail(err)
		}
		s.seg = seg
		s.files = append(s.files, seg.name)
	}

	h := s.seg.hash
	h.Write(buf)
	buf = appendCommit(buf, h.Sum64())
	if err := s.seg.write(buf); err != nil {
		return s.fail(err)
	}
	if !s.noSync {
		if err := mmap.Fdatasync(s.seg.f); err != nil {
			return s.fail(err)
		}
	}
	s.txSeq++

	s.mu.Lock()
	s.items = applyKVs(slices.Clone(s.items), recs)
	s.stats.Records = len(s.items)
	s.stats.Transactions = s.txSeq
	s.stats.FileSize = s.seg.size
	s.mu.Unlock()

	if s.verbose {
		s.logger.LogAttrs(s.context, slog.LevelDebug, "logstore: committed", slog.String("store", s.debugName), slog.Int("records", len(recs)), slog.Int("bytes", len(buf)))
	}

	if s.seg.size-max(s.seg.snapshotEnd, segmentHeaderSize) > s.maxFileSize {
		// the transaction is durable either way
		if err := s.compactLocked(); err != nil {
			s.logger.LogAttrs(s.context, slog.LevelError, "logstore: compaction failed", slog.String("store", s.debugName), slog.Any("err", err))
		}
	}
	return nil
}

// Compact writes all live records into a new snapshot segment and removes the
// older segments.
func (s *Store) Compact() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.isClosed() {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	start := time.Now()
	s.mu.Lock()
	items := s.items
	s.mu.Unlock()

	seg, err := s.startSegment(segFlagSnapshot)
	if err != nil {
		return s.fail(err)
	}

	var buf []byte
	for _, it := range items {
		buf = appendRecord(buf, it.key[:], it.value)
	}
	if len(items) > 0 {
		h := seg.hash
		h.Write(buf)
		buf = appendCommit(buf, h.Sum64())
		if err := seg.write(buf); err != nil {
			seg.close()
			os.Remove(filepath.Join(s.dir, seg.name))
			return s.fail(err)
		}
		if !s.noSync {
			if err := mmap.Fdatasync(seg.f); err != nil {
				seg.close()
				return s.fail(err)
			}
		}
	}
	seg.snapshotEnd = seg.size

	old := s.files
	s.seg.closeIfAny()
	s.seg = seg
	s.files = []string{seg.name}
	for _, name := range old {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.LogAttrs(s.context, slog.LevelWarn, "logstore: cannot remove old segment", slog.String("store", s.debugName), slog.String("file", name), slog.Any("err", err))
		}
	}

	s.mu.Lock()
	s.stats.Compactions++
	s.stats.Segments = len(s.files)
	s.stats.FileSize = seg.size
	s.mu.Unlock()

	s.logger.LogAttrs(s.context, slog.LevelInfo, "logstore: compacted",
		slog.String("store", s.debugName),
		slog.String("file", seg.name),
		slog.Int("records", len(items)),
		slog.Int64("size", seg.size),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close waits for an open write transaction to finish.
func (s *Store) Close() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.seg.closeIfAny()
	s.seg = nil
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Segments = len(s.files)
	return st
}

// FileNames returns the live segment files, oldest first.
func (s *Store) FileNames() []string {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return slices.Clone(s.files)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) Lookup(ctx context.Context, key nvcfg.Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	i, ok := findKV(s.items, key)
	if !ok {
		return nil, false, nil
	}
	return s.items[i].value, true, nil
}

func (s *Store) Iterate(ctx context.Context) (nvcfg.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &cursor{ctx: ctx, items: s.items, pos: -1}, nil
}

func (s *Store) BeginWrite(ctx context.Context) (nvcfg.WriteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeLock.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.writeLock.Unlock()
		return nil, err
	}
	if s.isClosed() {
		s.writeLock.Unlock()
		return nil, ErrClosed
	}
	return &writeTx{s: s}, nil
}

type writeTx struct {
	s    *Store
	buf  []byte
	recs []kv
	done bool
}

func (tx *writeTx) Put(key nvcfg.Key, value []byte) error {
	if tx.done {
		return fmt.Errorf("%v: transaction is closed", tx.s.debugName)
	}
	tx.buf = appendRecord(tx.buf, key[:], value)
	tx.recs = append(tx.recs, kv{key, slices.Clone(value)})
	return nil
}

func (tx *writeTx) Commit() error {
	if tx.done {
		return fmt.Errorf("%v: transaction is closed", tx.s.debugName)
	}
	defer tx.finish()
	if len(tx.recs) == 0 {
		return nil
	}
	return tx.s.commitLocked(tx.buf, tx.recs)
}

func (tx *writeTx) Rollback() error {
	if !tx.done {
		tx.finish()
	}
	return nil
}

func (tx *writeTx) finish() {
	tx.done = true
	tx.buf, tx.recs = nil, nil
	tx.s.writeLock.Unlock()
}

func findKV(items []kv, key nvcfg.Key) (int, bool) {
	return slices.BinarySearchFunc(items, key, func(it kv, k nvcfg.Key) int {
		return it.key.Compare(k)
	})
}

// applyKVs upserts recs into items, which must not be shared.
func applyKVs(items []kv, recs []kv) []kv {
	for _, r := range recs {
		i, ok := findKV(items, r.key)
		if ok {
			items[i].value = r.value
		} else {
			items = slices.Insert(items, i, r)
		}
	}
	return items
}

type cursor struct {
	ctx   context.Context
	items []kv
	pos   int
	err   error
}

func (c *cursor) Next() bool {
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

func (c *cursor) Key() nvcfg.Key { return c.items[c.pos].key }

func (c *cursor) Value() []byte { return c.items[c.pos].value }

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close() error { return nil }

package logstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andreyvit/nvcfg"
	"github.com/andreyvit/nvcfg/logstore"
	"github.com/andreyvit/nvcfg/nvcfgtest"
	"github.com/stretchr/testify/require"
)

const headerSize = 128

var (
	keyA = nvcfg.Key{0, 0, 0, 0, 0, 0, 0, 0xA}
	keyB = nvcfg.Key{0, 0, 0, 0, 0, 0, 0, 0xB}
	keyC = nvcfg.Key{0, 0, 0, 0, 0, 0, 0, 0xC}
)

func put(t *testing.T, s nvcfg.Backend, kvs ...any) {
	t.Helper()
	tx, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	for i := 0; i < len(kvs); i += 2 {
		require.NoError(t, tx.Put(kvs[i].(nvcfg.Key), []byte(kvs[i+1].(string))))
	}
	require.NoError(t, tx.Commit())
}

func contents(t *testing.T, s nvcfg.Backend) map[nvcfg.Key]string {
	t.Helper()
	cur, err := s.Iterate(context.Background())
	require.NoError(t, err)
	defer cur.Close()

	m := make(map[nvcfg.Key]string)
	var prev *nvcfg.Key
	for cur.Next() {
		k := cur.Key()
		if prev != nil {
			require.Negative(t, prev.Compare(k), "keys out of order")
		}
		prev = &k
		m[k] = string(cur.Value())
	}
	require.NoError(t, cur.Err())
	return m
}

func TestStore_trivial(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "hello", keyB, "w")

	files := s.FileNames()
	require.Equal(t, []string{"s000000000001-20240101T000000-0000000000000001.log"}, files)

	data := s.Data(files[0])
	require.Len(t, data, headerSize+2*(1+8)+5+1+8)
	nvcfgtest.BytesEq(t, data[headerSize:len(data)-8], nvcfgtest.Expand(
		"0a=hello",
		"0b=w",
	))
	require.Equal(t, byte(1), data[len(data)-8]&1)

	require.Equal(t, map[nvcfg.Key]string{keyA: "hello", keyB: "w"}, contents(t, s))
}

func TestStore_reopen(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "1", keyB, "2")
	put(t, s, keyA, "3")

	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "3", keyB: "2"}, contents(t, s))
	require.Equal(t, uint64(2), s.Stats().Transactions)

	put(t, s, keyC, "4")
	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "3", keyB: "2", keyC: "4"}, contents(t, s))
	require.Len(t, s.FileNames(), 1)
}

func TestStore_lookup(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "1")

	v, ok, err := s.Lookup(context.Background(), keyA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok, err = s.Lookup(context.Background(), keyB)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_rollbackWritesNothing(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	tx, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Put(keyA, []byte("x")))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	require.Empty(t, s.DirNames())
	require.Zero(t, s.Len())

	// the write lock must have been released
	put(t, s, keyB, "y")
	require.Equal(t, 1, s.Len())
}

func TestStore_discardsUncommittedTail(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "committed")
	name := s.FileNames()[0]
	good := len(s.Data(name))
	ensure(s.Close())

	// a transaction torn by power loss: record without commit marker
	f, err := os.OpenFile(filepath.Join(s.Dir, name), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(nvcfgtest.Expand("0b=torn"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = nvcfgtest.OpenStoreIn(t, s.Dir, s.Opt)
	require.Equal(t, map[nvcfg.Key]string{keyA: "committed"}, contents(t, s))
	require.Equal(t, int64(1+8+4), s.Stats().DiscardedBytes)
	require.Len(t, s.Data(name), good)

	// appending after recovery keeps the checksum chain intact
	put(t, s, keyB, "after")
	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "committed", keyB: "after"}, contents(t, s))
}

func TestStore_discardsCorruptCommit(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "1")
	put(t, s, keyA, "2")
	name := s.FileNames()[0]
	ensure(s.Close())

	fn := filepath.Join(s.Dir, name)
	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	data[len(data)-3] ^= 0xFF // inside the second commit marker
	require.NoError(t, os.WriteFile(fn, data, 0o666))

	s = nvcfgtest.OpenStoreIn(t, s.Dir, s.Opt)
	require.Equal(t, map[nvcfg.Key]string{keyA: "1"}, contents(t, s))
	require.Equal(t, uint64(1), s.Stats().Transactions)
}

func TestStore_deletesCorruptedHeader(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "1")
	ensure(s.Close())

	s.Put("s000000000002-20240101T000000-0000000000000002.log", "'NVCFGLOG 00 00")

	s = nvcfgtest.OpenStoreIn(t, s.Dir, s.Opt)
	require.Equal(t, map[nvcfg.Key]string{keyA: "1"}, contents(t, s))
	require.Equal(t, []string{"s000000000001-20240101T000000-0000000000000001.log"}, s.DirNames())
}

func TestStore_incompatibleInvariant(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{Invariant: [32]byte{1}})
	put(t, s, keyA, "1")
	ensure(s.Close())

	_, err := logstore.Open(s.Dir, logstore.Options{FileName: "s*.log", Invariant: [32]byte{2}, Logger: nvcfgtest.Logger(t)})
	require.ErrorIs(t, err, logstore.ErrIncompatible)
}

func TestStore_compact(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	for range 10 {
		put(t, s, keyA, "aaaa", keyB, "bbbb")
	}
	put(t, s, keyC, "cccc")
	before := len(s.Data(s.FileNames()[0]))

	s.Advance(time.Hour)
	require.NoError(t, s.Compact())

	files := s.FileNames()
	require.Equal(t, []string{"s000000000002-20240101T010000-000000000000000c.log"}, files)
	require.Equal(t, files, s.DirNames())
	require.Less(t, len(s.Data(files[0])), before)
	require.Equal(t, uint64(1), s.Stats().Compactions)

	put(t, s, keyA, "new")
	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "new", keyB: "bbbb", keyC: "cccc"}, contents(t, s))
}

func TestStore_autoCompact(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{MaxFileSize: 200})
	for i := range 20 {
		put(t, s, keyA, string(rune('a'+i)), keyB, "stable")
	}
	require.NotZero(t, s.Stats().Compactions)
	require.Len(t, s.DirNames(), 1)

	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "t", keyB: "stable"}, contents(t, s))
}

func TestStore_unfinishedSnapshotIsIgnored(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	put(t, s, keyA, "1", keyB, "2")
	first := s.FileNames()[0]
	firstData := s.Data(first)
	require.NoError(t, s.Compact())
	snap := s.FileNames()[0]
	snapData := s.Data(snap)
	ensure(s.Close())

	// crash mid-compaction: the old segment is still there, and the snapshot
	// transaction never got its commit marker
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, first), firstData, 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, snap), snapData[:headerSize+5], 0o666))

	s = nvcfgtest.OpenStoreIn(t, s.Dir, s.Opt)
	require.Equal(t, map[nvcfg.Key]string{keyA: "1", keyB: "2"}, contents(t, s))
	require.Equal(t, []string{first}, s.DirNames())

	put(t, s, keyC, "3")
	s = s.Reopen()
	require.Equal(t, map[nvcfg.Key]string{keyA: "1", keyB: "2", keyC: "3"}, contents(t, s))
}

func TestStore_closed(t *testing.T) {
	s := nvcfgtest.OpenStore(t, logstore.Options{})
	ensure(s.Close())

	_, err := s.BeginWrite(context.Background())
	require.ErrorIs(t, err, logstore.ErrClosed)
	_, err = s.Iterate(context.Background())
	require.ErrorIs(t, err, logstore.ErrClosed)
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

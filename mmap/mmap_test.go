package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsHas(t *testing.T) {
	var o Options = Writable | Prefault
	require.True(t, o.Has(Writable))
	require.True(t, o.Has(Prefault))
	require.False(t, o.Has(SequentialAccess))
}

func TestMmapAndMunmap(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "seg"))
	require.NoError(t, err)
	defer f.Close()

	const size = 4096
	require.NoError(t, f.Truncate(size))

	b, err := Mmap(f, 0, size, Writable)
	require.NoError(t, err)
	require.Len(t, b, size)
	b[0] = 0x42
	require.NoError(t, Fdatasync(f))
	require.NoError(t, Munmap(b))

	var buf [1]byte
	_, err = f.ReadAt(buf[:], 0)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), buf[0])
}

func TestMapFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "seg")
	require.NoError(t, os.WriteFile(fn, []byte("hello"), 0o666))

	f, err := os.Open(fn)
	require.NoError(t, err)
	defer f.Close()

	b, err := MapFile(f, SequentialAccess|Prefault)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	require.NoError(t, Munmap(b))
}

func TestMapFile_accessHints(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "seg")
	require.NoError(t, os.WriteFile(fn, []byte("hint"), 0o666))
	f, err := os.Open(fn)
	require.NoError(t, err)
	defer f.Close()

	for _, opt := range []Options{0, SequentialAccess, RandomAccess} {
		b, err := MapFile(f, opt)
		require.NoError(t, err, "options %d", opt)
		require.Equal(t, "hint", string(b))
		require.NoError(t, Munmap(b))
	}
}

func TestMapFile_empty(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "seg")
	require.NoError(t, os.WriteFile(fn, nil, 0o666))

	f, err := os.Open(fn)
	require.NoError(t, err)
	defer f.Close()

	b, err := MapFile(f, SequentialAccess)
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestMmap_PanicsOnNonZeroOffset(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "seg"))
	require.NoError(t, err)
	defer f.Close()

	require.Panics(t, func() {
		_, _ = Mmap(f, 1, 1, 0)
	})
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o666))
	require.NoError(t, SyncDir(dir))
	require.Error(t, SyncDir(filepath.Join(dir, "missing")))
}

func TestMaxSize(t *testing.T) {
	require.Positive(t, int64(MaxSize))
	require.LessOrEqual(t, uint64(MaxSize), uint64(1<<48-1))
}

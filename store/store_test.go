package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openBackends returns one instance of every Store backend, keyed by name.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	dir := t.TempDir()
	ldb, err := OpenLevelDB(&LevelDBConfig{
		Path:           filepath.Join(dir, "ldb"),
		WriteBatchSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	bdb, err := OpenBolt(&BoltConfig{
		Path: filepath.Join(dir, "bolt.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	return map[string]Store{
		"memory":  NewMemoryStore(),
		"leveldb": ldb,
		"bolt":    bdb,
	}
}

// TestStorePutGetRange exercises the basic contract across all backends.
func TestStorePutGetRange(t *testing.T) {
	for name, s := range openBackends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("k1", []byte("v1")))
			require.NoError(t, s.Put("k2", []byte("v2")))
			require.NoError(t, s.Put("k3", []byte("v3")))
			require.NoError(t, s.Put("zz", []byte("out")))

			// Overwrite replaces.
			require.NoError(t, s.Put("k2", []byte("v2b")))

			v, err := s.Get("k2")
			require.NoError(t, err)
			require.Equal(t, []byte("v2b"), v)

			_, err = s.Get("missing")
			require.ErrorIs(t, err, ErrKeyNotFound)

			kvs, err := s.Range("k1", "k3")
			require.NoError(t, err)
			require.Equal(t, []KV{
				{Key: "k1", Value: []byte("v1")},
				{Key: "k2", Value: []byte("v2b")},
				{Key: "k3", Value: []byte("v3")},
			}, kvs)

			require.NoError(t, s.Flush())
		})
	}
}

// TestLevelDBReadsOwnBufferedWrites asserts the batch buffer is visible to
// reads before it flushes.
func TestLevelDBReadsOwnBufferedWrites(t *testing.T) {
	t.Parallel()

	ldb, err := OpenLevelDB(&LevelDBConfig{
		Path:           filepath.Join(t.TempDir(), "ldb"),
		WriteBatchSize: 1000,
	})
	require.NoError(t, err)
	defer ldb.Close()

	require.NoError(t, ldb.Put("pending", []byte("buffered")))
	v, err := ldb.Get("pending")
	require.NoError(t, err)
	require.Equal(t, []byte("buffered"), v)

	// Survives an explicit flush too.
	require.NoError(t, ldb.Flush())
	v, err = ldb.Get("pending")
	require.NoError(t, err)
	require.Equal(t, []byte("buffered"), v)
}

// TestMemoryVersioned exercises the optimistic versioned surface.
func TestMemoryVersioned(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()

	// Fresh key starts at version 0.
	require.NoError(t, m.PutWithVersion("k", []byte("v1"), 0))
	require.ErrorIs(
		t, m.PutWithVersion("k", []byte("stale"), 0),
		ErrVersionMismatch,
	)
	require.NoError(t, m.PutWithVersion("k", []byte("v2"), 1))
	require.NoError(t, m.PutWithVersion("k", []byte("v3"), 2))

	// Version 0 reads the current value.
	v, err := m.GetWithVersion("k", 0)
	require.NoError(t, err)
	require.Equal(t, &VersionedValue{Value: []byte("v3"), Version: 3}, v)

	v, err = m.GetWithVersion("k", 2)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v.Value)

	history, err := m.History("k", 1, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, uint64(1), history[0].Version)

	top, err := m.Top("k", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, uint64(3), top[0].Version)
	require.Equal(t, uint64(2), top[1].Version)
}

// TestTxnDB asserts the committed log tracks its high water mark, returns
// a stored entry by sequence and reports a sequence past the end as
// missing.
func TestTxnDB(t *testing.T) {
	t.Parallel()

	db := NewTxnDB(NewMemoryStore())

	for seq := uint64(1); seq <= 5; seq++ {
		payload := []byte(fmt.Sprintf("batch-%d", seq))
		require.NoError(t, db.Put(seq, payload))
	}
	require.Equal(t, uint64(5), db.MaxSeq())

	data, err := db.Get(3)
	require.NoError(t, err)
	require.Equal(t, []byte("batch-3"), data)

	_, err = db.Get(6)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

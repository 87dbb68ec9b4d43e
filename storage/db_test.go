package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(dir + "/level")
	require.NoError(t, err)
	bolt, err := NewBoltDB(dir+"/bolt.db", nil)
	require.NoError(t, err)
	dbs := map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseBackends(t *testing.T) {
	for name, db := range openBackends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

			require.NoError(t, db.Put([]byte("a"), []byte("1")))
			got, err := db.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), got)

			ok, err := db.Has([]byte("a"))
			require.NoError(t, err)
			require.True(t, ok)

			batch := NewBatch()
			batch.Put([]byte("b"), []byte("2"))
			batch.Put([]byte("c"), []byte("3"))
			batch.Delete([]byte("a"))
			require.Equal(t, 3, batch.Len())
			require.NoError(t, db.Write(batch))

			ok, err = db.Has([]byte("a"))
			require.NoError(t, err)
			require.False(t, ok)
			got, err = db.Get([]byte("c"))
			require.NoError(t, err)
			require.Equal(t, []byte("3"), got)

			require.NoError(t, db.Delete([]byte("b")))
			_, err = db.Get([]byte("b"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("rocksdb", t.TempDir())
	require.Error(t, err)
	_, err = Open(BackendLevelDB, "")
	require.Error(t, err)
	db, err := Open("", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)
}

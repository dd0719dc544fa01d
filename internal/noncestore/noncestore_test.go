package noncestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryHasAddCleanup(t *testing.T) {
	m := NewMemory(0)
	now := time.Now()

	ok, err := m.Has("n1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Add("n1", now))
	ok, err = m.Has("n1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Cleanup(now.Add(time.Minute)))
	ok, err = m.Has("n1")
	require.NoError(t, err)
	require.False(t, ok, "cleanup should evict entries older than cutoff")
}

func TestMemoryCapacityEviction(t *testing.T) {
	m := NewMemory(2)
	now := time.Now()
	require.NoError(t, m.Add("a", now))
	require.NoError(t, m.Add("b", now.Add(time.Second)))
	require.NoError(t, m.Add("c", now.Add(2*time.Second)))

	ok, _ := m.Has("a")
	require.False(t, ok, "oldest entry should be evicted once capacity is exceeded")
	ok, _ = m.Has("c")
	require.True(t, ok)
}

func TestFileStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces.log")

	store, err := NewFile(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.Add("n1", now))

	reopened, err := NewFile(path)
	require.NoError(t, err)
	ok, err := reopened.Has("n1")
	require.NoError(t, err)
	require.True(t, ok, "nonce recorded before reload should survive")
}

func TestFileStoreCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces.log")
	store, err := NewFile(path)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Add("old", now))
	require.NoError(t, store.Add("new", now.Add(time.Hour)))
	require.NoError(t, store.Cleanup(now.Add(time.Minute)))

	reopened, err := NewFile(path)
	require.NoError(t, err)
	ok, _ := reopened.Has("old")
	require.False(t, ok)
	ok, _ = reopened.Has("new")
	require.True(t, ok)
}

func TestLevelDBHasAddCleanup(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLevelDB(filepath.Join(dir, "nonces"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	ok, err := store.Has("n1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Add("n1", now))
	ok, err = store.Has("n1")
	require.NoError(t, err)
	require.True(t, ok)

	// Re-adding the same nonce must not reset its observed timestamp.
	require.NoError(t, store.Add("n1", now.Add(time.Hour)))

	require.NoError(t, store.Cleanup(now.Add(time.Minute)))
	ok, err = store.Has("n1")
	require.NoError(t, err)
	require.False(t, ok, "original observed time should govern cleanup, not the re-add attempt")
}

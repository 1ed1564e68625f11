package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "sessions.json"), newTestLogger())
	require.NoError(t, s.Load())
	assert.Empty(t, s.IDs())
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	s := NewStore(path, newTestLogger())
	require.NoError(t, s.Put("s1", Record{Username: "alice", UserID: "u-alice", Cookie: "session=abc", WorldID: "w"}))
	require.NoError(t, s.Put("s2", Record{Username: "bob", UserID: "u-bob"}))
	require.NoError(t, s.Delete("s2"))
	require.NoError(t, s.Delete("never-existed"))

	reloaded := NewStore(path, newTestLogger())
	require.NoError(t, reloaded.Load())
	rec, ok := reloaded.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "session=abc", rec.Cookie)
	assert.False(t, rec.LastSaved.IsZero())
	assert.Equal(t, []string{"s1"}, reloaded.IDs())
}

func TestStore_CorruptFileKeepsMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := NewStore(path, newTestLogger())
	require.NoError(t, s.Put("s1", Record{UserID: "u1"}))
	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o644))

	err := s.Load()
	assert.True(t, errors.Is(err, ErrLoadFailed))
	_, ok := s.Get("s1")
	assert.True(t, ok)
}

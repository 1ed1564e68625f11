package worldcache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/tablelink/internal/storage"
	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func snapshot(id string, users ...string) state.WorldSnapshot {
	snap := state.WorldSnapshot{WorldID: id, Title: "World " + id, SystemID: "dnd5e", LastUpdated: time.Unix(1700000000, 0).UTC()}
	for _, u := range users {
		snap.Users = append(snap.Users, state.UserSummary{ID: "u-" + u, Name: u, Role: state.RolePlayer})
	}
	return snap
}

func TestInitializeMissingFileIsEmpty(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "worlds.json"), newTestLogger())
	require.NoError(t, c.Initialize())
	assert.Empty(t, c.Worlds())
	_, ok := c.Current()
	assert.False(t, ok)
}

func TestInitializeCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worlds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"worlds": {`), 0o600))

	c := New(path, newTestLogger())
	c.Put(snapshot("w1", "alice"), true)
	require.ErrorIs(t, c.Initialize(), ErrLoadFailed)

	// memory is untouched and the file is not overwritten by the failed read
	_, ok := c.Get("w1")
	assert.True(t, ok)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"worlds": {`, string(raw))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "worlds.json")
	c := New(path, newTestLogger())
	c.Put(snapshot("w1", "gm", "alice"), true)
	c.Put(snapshot("w2", "bob"), false)
	require.NoError(t, c.Save())

	other := New(path, newTestLogger())
	require.NoError(t, other.Initialize())
	current, ok := other.Current()
	require.True(t, ok)
	assert.Equal(t, snapshot("w1", "gm", "alice"), current)
	assert.Len(t, other.Worlds(), 2)

	other.Reset()
	assert.Empty(t, other.Worlds())
}

func TestCurrentRejectsSnapshotWithoutUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worlds.json")
	require.NoError(t, storage.WriteJSON(path, File{
		Worlds:         map[string]state.WorldSnapshot{"w1": snapshot("w1")},
		CurrentWorldID: "w1",
	}))

	c := New(path, newTestLogger())
	require.NoError(t, c.Initialize())
	_, ok := c.Current()
	assert.False(t, ok, "a current world with an empty user list must not be trusted")

	// the snapshot itself is still addressable by id
	_, ok = c.Get("w1")
	assert.True(t, ok)

	c.Put(snapshot("w1", "alice"), true)
	_, ok = c.Current()
	assert.True(t, ok)
}

func TestWatchReloadsExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worlds.json")
	c := New(path, newTestLogger())
	require.NoError(t, c.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	writer := New(path, newTestLogger())
	writer.Put(snapshot("w9", "carol"), true)
	require.NoError(t, writer.Save())

	assert.Eventually(t, func() bool {
		snap, ok := c.Current()
		return ok && snap.WorldID == "w9"
	}, 3*time.Second, 25*time.Millisecond)

	// a corrupt external write keeps the previous contents
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	time.Sleep(300 * time.Millisecond)
	_, ok := c.Current()
	assert.True(t, ok)
}

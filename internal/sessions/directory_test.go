package sessions

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/tablelink/internal/client"
	"github.com/a-essam23/tablelink/internal/compendium"
	"github.com/a-essam23/tablelink/internal/remotetest"
	"github.com/a-essam23/tablelink/internal/worldcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fixture struct {
	srv *remotetest.Server
	dir string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{srv: remotetest.New(t), dir: t.TempDir()}
}

func (f *fixture) clientOptions() client.Options {
	return client.Options{
		BaseURL:          f.srv.URL,
		AdminPassword:    remotetest.AdminPassword,
		DispatchTimeout:  500 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		ChannelTimeout:   2 * time.Second,
		ProbeTimeout:     2 * time.Second,
	}
}

// start builds a directory the way a fresh process would.
func (f *fixture) start(t *testing.T) *Directory {
	t.Helper()
	logger := newTestLogger()
	cache := worldcache.New(filepath.Join(f.dir, "worlds.json"), logger)
	require.NoError(t, cache.Initialize())
	svc, err := client.NewServiceConnection(f.clientOptions(), cache, compendium.New(logger), logger)
	require.NoError(t, err)
	store := NewStore(filepath.Join(f.dir, "sessions.json"), logger)
	d := New(svc, store, Options{
		ServiceUsername: "Gamemaster",
		ServicePassword: "gmpass",
		RestoreInterval: 10 * time.Millisecond,
		Client:          f.clientOptions(),
	}, logger)
	t.Cleanup(d.Shutdown)
	return d
}

func (f *fixture) startInitialized(t *testing.T) *Directory {
	t.Helper()
	d := f.start(t)
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func actorNames(t *testing.T, sess *Session) []string {
	t.Helper()
	actors, err := sess.Identity.GetActors(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(actors))
	for _, a := range actors {
		names = append(names, a.Name())
	}
	return names
}

func TestDirectory_SessionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("Actor", "", "", map[string]any{"_id": "a1", "name": "Visible", "ownership": map[string]any{"default": 2}})
	f.srv.Seed("Actor", "", "", map[string]any{"_id": "a2", "name": "Hidden", "ownership": map[string]any{"default": 0}})
	ctx := context.Background()

	first := f.startInitialized(t)
	sess, err := first.CreateSession(ctx, "alice", "alicepass")
	require.NoError(t, err)
	before := actorNames(t, sess)
	require.Equal(t, []string{"Visible"}, before)
	first.Shutdown()

	second := f.startInitialized(t)
	assert.Equal(t, client.StatusLoggedIn, second.Service().Status(), "service session restored from disk")
	restored, err := second.GetOrRestoreSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, restored.UserID)
	assert.Equal(t, before, actorNames(t, restored))
	assert.Equal(t, 2, f.srv.Logins(), "restart must not repeat password logins")
}

func TestDirectory_InitializeInSetupMode(t *testing.T) {
	f := newFixture(t)
	f.srv.SetSetup(true)
	d := f.start(t)

	require.NoError(t, d.Initialize(context.Background()))
	assert.Equal(t, client.StatusSetup, d.Service().Status())
}

func TestDirectory_InitializeRejectsCorruptFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "sessions.json"), []byte("{not json"), 0o644))
	d := f.start(t)

	err := d.Initialize(context.Background())
	assert.True(t, errors.Is(err, ErrLoadFailed))
	assert.Zero(t, f.srv.Logins())
}

func TestDirectory_InitializeReplacesRejectedServiceSession(t *testing.T) {
	f := newFixture(t)
	store := NewStore(filepath.Join(f.dir, "sessions.json"), newTestLogger())
	require.NoError(t, store.Put(ServiceKey, Record{UserID: "u-gm", Cookie: "session=stale"}))

	d := f.startInitialized(t)
	assert.Equal(t, client.StatusLoggedIn, d.Service().Status())
	assert.Equal(t, 1, f.srv.Logins())
	assert.NotContains(t, d.Service().Cookie(), "session=stale")

	rec, ok := d.store.Get(ServiceKey)
	require.True(t, ok)
	assert.NotEqual(t, "session=stale", rec.Cookie)
	assert.Equal(t, d.Service().Cookie(), rec.Cookie)
}

func TestDirectory_RestoreUnknownSession(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)

	_, err := d.GetOrRestoreSession(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	_, err = d.GetOrRestoreSession(context.Background(), ServiceKey)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestDirectory_RestorePurgesOtherWorld(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)
	require.NoError(t, d.store.Put("old", Record{Username: "alice", UserID: "u-alice", Cookie: "session=x", WorldID: "another-world"}))

	_, err := d.GetOrRestoreSession(context.Background(), "old")
	assert.True(t, errors.Is(err, ErrWorldChanged))
	_, ok := d.store.Get("old")
	assert.False(t, ok)
}

func TestDirectory_RestorePurgesRejectedCookie(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)
	require.NoError(t, d.store.Put("stale", Record{Username: "alice", UserID: "u-alice", Cookie: "session=unknown", WorldID: remotetest.WorldID}))

	_, err := d.GetOrRestoreSession(context.Background(), "stale")
	assert.True(t, errors.Is(err, client.ErrSessionInvalid))
	_, ok := d.store.Get("stale")
	assert.False(t, ok)
}

func TestDirectory_ConcurrentRestoreSharesOneAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.startInitialized(t)
	sess, err := first.CreateSession(ctx, "bob", "bobpass")
	require.NoError(t, err)
	first.Shutdown()

	second := f.startInitialized(t)
	var wg sync.WaitGroup
	results := make([]*Session, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := second.GetOrRestoreSession(ctx, sess.ID)
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	wg.Wait()
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Len(t, second.Sessions(), 1)
}

func TestDirectory_InvalidatedSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)
	sess, err := d.CreateSession(context.Background(), "alice", "alicepass")
	require.NoError(t, err)

	f.srv.DeleteUser("u-alice")
	assert.Eventually(t, func() bool { return len(d.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
	_, ok := d.store.Get(sess.ID)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return !f.srv.Connected("u-alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestDirectory_DestroySession(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "alice", "alicepass")
	require.NoError(t, err)

	require.NoError(t, d.DestroySession(ctx, sess.ID))
	assert.Empty(t, d.Sessions())
	_, ok := d.store.Get(sess.ID)
	assert.False(t, ok)

	err = d.DestroySession(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestDirectory_CreateSessionBadPassword(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)

	_, err := d.CreateSession(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.Empty(t, d.Sessions())
	assert.Equal(t, []string{ServiceKey}, d.store.IDs())
}

func TestDirectory_TouchOrdersSessions(t *testing.T) {
	f := newFixture(t)
	d := f.startInitialized(t)
	ctx := context.Background()
	a, err := d.CreateSession(ctx, "alice", "alicepass")
	require.NoError(t, err)
	b, err := d.CreateSession(ctx, "bob", "bobpass")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, d.Touch(a.ID))
	assert.False(t, d.Touch("missing"))

	live := d.Sessions()
	require.Len(t, live, 2)
	assert.Equal(t, a.ID, live[0].ID)
	assert.Equal(t, b.ID, live[1].ID)
}

package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/tablelink/internal/compendium"
	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/internal/remotetest"
	"github.com/a-essam23/tablelink/internal/worldcache"
	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func testOptions(srv *remotetest.Server) Options {
	return Options{
		BaseURL:          srv.URL,
		AdminPassword:    remotetest.AdminPassword,
		DispatchTimeout:  500 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		ChannelTimeout:   2 * time.Second,
		ProbeTimeout:     2 * time.Second,
	}
}

func newTestService(t *testing.T, srv *remotetest.Server) *ServiceConnection {
	t.Helper()
	cache := worldcache.New(filepath.Join(t.TempDir(), "worlds.json"), newTestLogger())
	require.NoError(t, cache.Initialize())
	svc, err := NewServiceConnection(testOptions(srv), cache, compendium.New(newTestLogger()), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Disconnect)
	return svc
}

func loginService(t *testing.T, srv *remotetest.Server) *ServiceConnection {
	t.Helper()
	svc := newTestService(t, srv)
	require.NoError(t, svc.Login(context.Background(), "Gamemaster", "gmpass"))
	return svc
}

func TestServiceConnection_Connect(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)

	assert.Equal(t, StatusLoggedIn, svc.Status())
	assert.Equal(t, WorldActive, svc.WorldState())
	assert.Equal(t, "u-gm", svc.UserID())
	require.NoError(t, svc.ValidateSession(context.Background()))

	world, ok := svc.GetWorld()
	require.True(t, ok)
	assert.Equal(t, remotetest.WorldID, world.WorldID)
	assert.Len(t, world.Users, 3)

	sys, err := svc.GetSystem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotetest.SystemID, sys.ID)

	packs, err := svc.Packs(context.Background())
	require.NoError(t, err)
	assert.Len(t, packs, 2)

	cached, ok := svc.cache.Current()
	require.True(t, ok, "metadata load persists the world")
	assert.Equal(t, remotetest.WorldID, cached.WorldID)
}

func TestServiceConnection_SetupMode(t *testing.T) {
	srv := remotetest.New(t)
	srv.SetSetup(true)
	svc := newTestService(t, srv)

	err := svc.Login(context.Background(), "Gamemaster", "gmpass")
	assert.True(t, errors.Is(err, ErrSetupMode))
	assert.Equal(t, StatusSetup, svc.Status())
	assert.Zero(t, srv.Logins())
}

func TestServiceConnection_BadPassword(t *testing.T) {
	srv := remotetest.New(t)
	svc := newTestService(t, srv)

	err := svc.Login(context.Background(), "Gamemaster", "wrong")
	var authErr *handshake.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Body, "invalid credentials")
	assert.False(t, svc.IsConnected())
}

func TestServiceConnection_UnknownUser(t *testing.T) {
	srv := remotetest.New(t)
	svc := newTestService(t, srv)

	err := svc.Login(context.Background(), "mallory", "x")
	assert.True(t, errors.Is(err, handshake.ErrUnknownUser))
}

func TestServiceConnection_BatchCreate(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)
	ctx := context.Background()

	docs, err := svc.CreateActor(ctx, []map[string]any{{"name": "a"}, {"name": "b"}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = svc.CreateActor(ctx, map[string]any{"name": "c"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c", docs[0].Name())
	assert.NotEmpty(t, docs[0].ID())
}

func TestServiceConnection_Documents(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)
	ctx := context.Background()

	created, err := svc.CreateActor(ctx, map[string]any{"name": "Goblin", "type": "npc"})
	require.NoError(t, err)
	id := created[0].ID()

	actor, err := svc.GetActor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Goblin", actor.Name())

	updated, err := svc.UpdateActor(ctx, id, map[string]any{"name": "Hobgoblin"})
	require.NoError(t, err)
	assert.Equal(t, "Hobgoblin", updated.Name())

	items, err := svc.CreateActorItem(ctx, id, map[string]any{"name": "Scimitar"})
	require.NoError(t, err)
	itemID := items[0].ID()

	item, err := svc.FetchByUUID(ctx, "Actor."+id+".Item."+itemID)
	require.NoError(t, err)
	assert.Equal(t, "Scimitar", item.Name())

	_, err = svc.UpdateActorItem(ctx, id, itemID, map[string]any{"name": "Rusty Scimitar"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteActorItem(ctx, id, itemID))
	require.NoError(t, svc.DeleteActor(ctx, id))

	_, err = svc.GetActor(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
	err = svc.DeleteActor(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestServiceConnection_Chat(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.SendMessage(ctx, text, MessageOptions{})
		require.NoError(t, err)
	}
	msg, err := svc.Roll(ctx, "2d6+1", MessageOptions{Flavor: "Attack"})
	require.NoError(t, err)
	assert.Equal(t, "Attack", msg["flavor"])
	assert.Equal(t, "u-gm", msg.Author())

	log, err := svc.GetChatLog(ctx, 2)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "three", log[0]["content"])
	assert.Equal(t, msg.ID(), log[1].ID())
}

func TestServiceConnection_LookupName(t *testing.T) {
	srv := remotetest.New(t)
	srv.Seed("Actor", "", "dnd5e.monsters", map[string]any{"_id": "m1", "name": "Owlbear"})
	svc := loginService(t, srv)
	ctx := context.Background()

	name, err := svc.LookupName(ctx, "Compendium.dnd5e.monsters.Actor.m1")
	require.NoError(t, err)
	assert.Equal(t, "Owlbear", name)
	assert.True(t, svc.index.Built())

	created, err := svc.CreateActor(ctx, map[string]any{"name": "Bandit"})
	require.NoError(t, err)
	name, err = svc.LookupName(ctx, "Actor."+created[0].ID())
	require.NoError(t, err)
	assert.Equal(t, "Bandit", name)
}

// Three known users, none active; alice logs in and her presence arrives.
// The details refetch must keep the live flags.
func TestServiceConnection_PresenceScenario(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)
	ctx := context.Background()

	for _, u := range svc.roster.All() {
		require.False(t, u.Active, u.Name)
	}

	alice, err := NewIdentityConnection(svc, testOptions(srv), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(alice.Disconnect)
	require.NoError(t, alice.Login(ctx, "alice", "alicepass"))

	assert.Eventually(t, func() bool {
		u, _ := svc.User("u-alice")
		return u.Active
	}, waitFor, tick)

	users, err := svc.GetUsersDetails(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	active := map[string]bool{}
	for _, u := range users {
		active[u.ID] = u.Active
	}
	assert.Equal(t, map[string]bool{"u-gm": false, "u-alice": true, "u-bob": false}, active)
}

func TestServiceConnection_PresenceEvents(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)

	srv.Push("userConnected", "u-bob", true)
	assert.Eventually(t, func() bool {
		u, _ := svc.User("u-bob")
		return u.Active
	}, waitFor, tick)

	srv.Push("userActivity", "u-bob", map[string]any{"active": false})
	assert.Eventually(t, func() bool {
		u, _ := svc.User("u-bob")
		return !u.Active
	}, waitFor, tick)

	srv.Push("updateUser", map[string]any{"_id": "u-bob", "name": "Robert", "role": 2})
	assert.Eventually(t, func() bool {
		u, _ := svc.User("u-bob")
		return u.Name == "Robert" && u.Role == state.RoleTrusted
	}, waitFor, tick)

	srv.DeleteUser("u-bob")
	assert.Eventually(t, func() bool {
		_, ok := svc.User("u-bob")
		return !ok
	}, waitFor, tick)
}

func TestServiceConnection_UnknownActiveUserIsEnriched(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)

	svc.roster.Remove("u-bob")
	srv.Push("userConnected", "u-bob", true)

	assert.Eventually(t, func() bool {
		u, _ := svc.User("u-bob")
		return u.Name == "bob" && u.Active
	}, waitFor, tick)
}

func TestServiceConnection_SharedContent(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)

	srv.Push(handshake.EventShareImage, map[string]any{"image": "maps/cave.webp", "title": "Cave"})
	assert.Eventually(t, func() bool { return len(svc.GetSharedContent()) == 1 }, waitFor, tick)
	item := svc.GetSharedContent()[0]
	assert.Equal(t, handshake.EventShareImage, item.Kind)
	assert.Contains(t, string(item.Payload), "cave.webp")
}

func TestServiceConnection_RemoteCloseResetsWorld(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)

	srv.Kick()
	assert.Eventually(t, func() bool { return svc.Status() == StatusDisconnected }, waitFor, tick)

	_, err := svc.GetActors(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))

	world, ok := svc.GetWorld()
	require.True(t, ok, "cached world is served while disconnected")
	assert.Equal(t, remotetest.WorldID, world.WorldID)
}

func TestServiceConnection_RestoreSession(t *testing.T) {
	srv := remotetest.New(t)
	first := loginService(t, srv)
	cookie, userID := first.Cookie(), first.UserID()
	require.NotEmpty(t, cookie)

	second := newTestService(t, srv)
	require.NoError(t, second.RestoreSession(context.Background(), cookie, userID))
	assert.Equal(t, 1, srv.Logins(), "restore must not post credentials")
	assert.Equal(t, StatusLoggedIn, second.Status())
}

func TestServiceConnection_ReadyLoadsMetadata(t *testing.T) {
	srv := remotetest.New(t)
	first := loginService(t, srv)
	cookie, userID := first.Cookie(), first.UserID()

	srv.SetSetup(true)
	second := newTestService(t, srv)
	require.NoError(t, second.RestoreSession(context.Background(), cookie, userID))
	assert.Equal(t, StatusSetup, second.Status())
	_, ok := second.GetWorld()
	require.False(t, ok)

	srv.SetSetup(false)
	srv.Push("ready")
	assert.Eventually(t, func() bool {
		world, ok := second.GetWorld()
		return ok && len(world.Users) == len(remotetest.DefaultUsers())
	}, waitFor, tick)
	assert.Equal(t, StatusLoggedIn, second.Status())
	assert.Equal(t, remotetest.WorldID, second.WorldID())
}

func TestServiceConnection_RejectedCookieIsDropped(t *testing.T) {
	srv := remotetest.New(t)
	svc := newTestService(t, srv)
	ctx := context.Background()

	err := svc.RestoreSession(ctx, "session=rejected-cookie-0001", "u-gm")
	require.Error(t, err)
	svc.Disconnect()
	assert.Empty(t, svc.Cookie())

	svc.SetCredentials("Gamemaster", "gmpass")
	require.NoError(t, svc.Connect(ctx))
	assert.NotContains(t, svc.Cookie(), "rejected-cookie-0001")
	assert.Equal(t, StatusLoggedIn, svc.Status())
}

func TestServiceConnection_ShutdownAndLaunch(t *testing.T) {
	srv := remotetest.New(t)
	svc := loginService(t, srv)
	ctx := context.Background()

	require.NoError(t, svc.ShutdownWorld(ctx))
	assert.Eventually(t, func() bool { return !svc.IsConnected() }, waitFor, tick)

	require.NoError(t, svc.LaunchWorld(ctx, remotetest.WorldID))
	assert.Equal(t, StatusStartup, svc.Status())

	require.NoError(t, svc.Connect(ctx))
	assert.Equal(t, StatusLoggedIn, svc.Status())
}

func TestServiceConnection_ProbeWorldState(t *testing.T) {
	srv := remotetest.New(t)
	svc := newTestService(t, srv)

	d, err := svc.ProbeWorldState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotetest.WorldID, d.WorldID)

	srv.SetSetup(true)
	_, err = svc.ProbeWorldState(context.Background())
	assert.True(t, errors.Is(err, handshake.ErrDiscoveryFailed))
}

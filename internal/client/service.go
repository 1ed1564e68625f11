package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/internal/compendium"
	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/internal/router"
	"github.com/a-essam23/tablelink/internal/worldcache"
	"github.com/a-essam23/tablelink/pkg/dispatch"
	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/a-essam23/tablelink/pkg/state/statemanager"
	"github.com/a-essam23/tablelink/pkg/transport"
	"github.com/tidwall/gjson"
)

// ServiceConnection is the privileged, always-on connection. It is the
// canonical source of world metadata, the live user roster and document
// dispatch.
type ServiceConnection struct {
	*Connection
	docs   documentAPI
	roster state.Roster
	cache  *worldcache.Cache
	index  *compendium.Index

	credMu   sync.RWMutex
	username string
	password string

	metaMu   sync.RWMutex
	snapshot *state.WorldSnapshot
	system   state.SystemInfo
	packs    []state.PackInfo

	enrichMu sync.Mutex
	enriched map[string]bool
}

// NewServiceConnection wires a service connection. cache and index may be nil.
func NewServiceConnection(opts Options, cache *worldcache.Cache, index *compendium.Index, logger *slog.Logger) (*ServiceConnection, error) {
	conn, err := newConnection("service_connection", opts, logger)
	if err != nil {
		return nil, err
	}
	s := &ServiceConnection{
		Connection: conn,
		roster:     statemanager.NewInMemoryRoster(logger),
		cache:      cache,
		index:      index,
		enriched:   make(map[string]bool),
	}
	s.docs = documentAPI{dispatch: s.Connection.Dispatch}
	s.registerPresenceHandlers()
	s.onChannelClosed(func(error) { s.Connection.world.Reset() })
	s.onWorldReady(s.refreshMetadata)
	return s, nil
}

// refreshMetadata reloads world data once a world comes up on an open
// channel. It runs off the read pump since it waits for acks.
func (s *ServiceConnection) refreshMetadata() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.opts.HandshakeTimeout)
		defer cancel()
		if err := s.loadMetadata(ctx); err != nil {
			s.logger.Warn("World metadata unavailable after ready", slog.Any("error", err))
		}
	}()
}

// SetCredentials stores the service account used by Connect.
func (s *ServiceConnection) SetCredentials(username, password string) {
	s.credMu.Lock()
	s.username, s.password = username, password
	s.credMu.Unlock()
}

func (s *ServiceConnection) credentials() (string, string) {
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	return s.username, s.password
}

// Login stores credentials and connects.
func (s *ServiceConnection) Login(ctx context.Context, username, password string) error {
	s.SetCredentials(username, password)
	return s.Connect(ctx)
}

// Connect performs the full handshake: join page, user resolution, login,
// event channel, world verification and metadata load. ErrSetupMode is
// returned when no world is running.
func (s *ServiceConnection) Connect(ctx context.Context) error {
	username, password := s.credentials()
	if username == "" {
		return fmt.Errorf("%w: no service credentials", ErrNotLoggedIn)
	}
	page, err := s.Handshake(ctx)
	if err != nil {
		return err
	}
	if page.Setup {
		s.logger.Warn("World is in setup mode, not logging in")
		return ErrSetupMode
	}
	user, err := s.resolveUser(ctx, page.Users, username)
	if err != nil {
		return err
	}
	if err := s.Connection.Login(ctx, user.ID, password); err != nil {
		return err
	}
	if err := s.OpenChannel(ctx, user.ID); err != nil {
		return err
	}
	return s.afterOpen(ctx)
}

// RestoreSession reuses a captured cookie instead of posting credentials.
func (s *ServiceConnection) RestoreSession(ctx context.Context, cookie, userID string) error {
	s.http.UseCookie(cookie)
	if err := s.OpenChannel(ctx, userID); err != nil {
		return fmt.Errorf("restore service session: %w", err)
	}
	s.mu.Lock()
	s.explicitSession = true
	s.mu.Unlock()
	return s.afterOpen(ctx)
}

// resolveUser finds the account by name on the join page, falling back to
// guest discovery.
func (s *ServiceConnection) resolveUser(ctx context.Context, candidates []state.UserSummary, name string) (state.UserSummary, error) {
	if u, err := handshake.FindUser(candidates, name); err == nil {
		return u, nil
	}
	d, err := s.ProbeWorldState(ctx)
	if err == nil && len(d.Users) == 0 {
		d, err = s.probeChannel(ctx)
	}
	if err != nil {
		return state.UserSummary{}, fmt.Errorf("resolve user '%s': %w", name, err)
	}
	return handshake.FindUser(d.Users, name)
}

// afterOpen checks the world is really running and loads its metadata.
func (s *ServiceConnection) afterOpen(ctx context.Context) error {
	raw, err := s.Emit(ctx, s.opts.HandshakeTimeout, "getWorldStatus")
	if err != nil {
		return fmt.Errorf("world status query: %w", err)
	}
	if !gjson.ParseBytes(raw).Bool() {
		s.logger.Warn("Connected but no world is active")
		s.setWorld(WorldSetup)
		return nil
	}
	s.setWorld(WorldActive)
	if err := s.loadMetadata(ctx); err != nil {
		s.logger.Warn("World metadata unavailable", slog.Any("error", err))
	}
	return nil
}

// loadMetadata fetches game data over the channel, falling back to the
// authenticated game page.
func (s *ServiceConnection) loadMetadata(ctx context.Context) error {
	var gd *handshake.GameData
	raw, err := s.Emit(ctx, s.opts.HandshakeTimeout, "world")
	if err == nil {
		gd, err = handshake.ParseGameData(raw)
	}
	if err != nil {
		s.logger.Debug("World event failed, scraping game page", slog.Any("error", err))
		gd, err = s.http.FetchGame(ctx)
		if err != nil {
			return fmt.Errorf("load game data: %w", err)
		}
	}
	s.applyGameData(gd)
	return nil
}

func (s *ServiceConnection) applyGameData(gd *handshake.GameData) {
	s.roster.Replace(gd.World.Users)
	snap := gd.World
	snap.LastUpdated = s.opts.Now()

	s.metaMu.Lock()
	s.snapshot = &snap
	s.system = gd.System
	s.packs = gd.Packs
	s.metaMu.Unlock()

	s.enrichMu.Lock()
	s.enriched = make(map[string]bool)
	s.enrichMu.Unlock()

	if s.cache != nil {
		s.cache.Put(snap, true)
		if err := s.cache.Save(); err != nil {
			s.logger.Warn("Failed to persist world cache", slog.Any("error", err))
		}
	}
	s.logger.Info("World metadata loaded",
		slog.String("world", snap.WorldID),
		slog.String("system", gd.System.ID),
		slog.Int("users", len(snap.Users)),
		slog.Int("packs", len(gd.Packs)),
	)
}

// Logout ends the service session.
func (s *ServiceConnection) Logout(ctx context.Context) error {
	return s.logout(ctx)
}

// ValidateSession checks that the channel is open and the account still
// exists in the world.
func (s *ServiceConnection) ValidateSession(ctx context.Context) error {
	if !s.IsConnected() {
		return fmt.Errorf("%w: %w", ErrSessionInvalid, ErrNotConnected)
	}
	if userID := s.UserID(); userID == "" {
		return fmt.Errorf("%w: no authenticated user", ErrSessionInvalid)
	} else if s.roster.Len() > 0 {
		if _, ok := s.roster.Get(userID); !ok {
			return fmt.Errorf("%w: user %s no longer exists", ErrSessionInvalid, userID)
		}
	}
	return nil
}

// WorldID is the id of the live world, or of the cached current world.
func (s *ServiceConnection) WorldID() string {
	if w, ok := s.GetWorld(); ok {
		return w.WorldID
	}
	return ""
}

// GetWorld returns the live world with the current roster, falling back to
// the world cache.
func (s *ServiceConnection) GetWorld() (state.WorldSnapshot, bool) {
	s.metaMu.RLock()
	live := s.snapshot
	s.metaMu.RUnlock()
	if live != nil && s.WorldState() == WorldActive {
		snap := *live
		snap.Users = s.roster.All()
		return snap, true
	}
	if s.cache != nil {
		return s.cache.Current()
	}
	return state.WorldSnapshot{}, false
}

func (s *ServiceConnection) GetSystem(ctx context.Context) (state.SystemInfo, error) {
	s.metaMu.RLock()
	sys := s.system
	s.metaMu.RUnlock()
	if sys.ID != "" {
		return sys, nil
	}
	if w, ok := s.GetWorld(); ok && w.SystemID != "" {
		return state.SystemInfo{ID: w.SystemID, Version: w.SystemVersion}, nil
	}
	return state.SystemInfo{}, ErrNotConnected
}

// GetUsers returns the live roster, or the cached one while disconnected.
func (s *ServiceConnection) GetUsers(ctx context.Context) ([]state.UserSummary, error) {
	if s.roster.Len() > 0 {
		return s.roster.All(), nil
	}
	if w, ok := s.GetWorld(); ok {
		return w.Users, nil
	}
	return nil, ErrNotConnected
}

// GetUsersDetails refreshes user details from the server. Presence flags
// of known users are kept since live events own them.
func (s *ServiceConnection) GetUsersDetails(ctx context.Context) ([]state.UserSummary, error) {
	resp, err := s.Dispatch(ctx, dispatch.Get("User", nil))
	if err != nil {
		return nil, err
	}
	fetched := make([]state.UserSummary, 0, len(resp.Result))
	for _, doc := range resp.Result {
		raw, err := doc.Raw()
		if err != nil {
			continue
		}
		if u := handshake.ParseUser(gjson.ParseBytes(raw)); u.ID != "" {
			fetched = append(fetched, u)
		}
	}
	s.roster.Merge(fetched)
	return s.roster.All(), nil
}

// WatchRoster observes live roster changes.
func (s *ServiceConnection) WatchRoster(fn state.WatchFunc) func() {
	return s.roster.Watch(fn)
}

// User looks up one roster entry.
func (s *ServiceConnection) User(userID string) (state.UserSummary, bool) {
	return s.roster.Get(userID)
}

// FindUser looks up a roster entry by name.
func (s *ServiceConnection) FindUser(name string) (state.UserSummary, bool) {
	return s.roster.FindByName(name)
}

// --- presence ---

func (s *ServiceConnection) registerPresenceHandlers() {
	s.router.Register("userConnected", s.onUserConnected)
	s.router.Register("userDisconnected", s.onUserDisconnected)
	s.router.Register("userActivity", s.onUserActivity)
	s.router.Register("createUser", s.onUserUpsert)
	s.router.Register("updateUser", s.onUserUpsert)
	s.router.Register("deleteUser", s.onUserDelete)
	s.router.Register(dispatch.EventName, s.onModifyDocument)
}

func (s *ServiceConnection) onUserConnected(ctx context.Context, ev transport.Event) error {
	id := router.FirstString(ev, "0", "0._id", "0.userId", "0.id")
	if id == "" {
		return errors.New("userConnected without user id")
	}
	active := true
	if v := router.Arg(ev, "1"); v.Type == gjson.False {
		active = false
	}
	s.setPresence(id, active)
	return nil
}

func (s *ServiceConnection) onUserDisconnected(ctx context.Context, ev transport.Event) error {
	id := router.FirstString(ev, "0", "0._id", "0.userId", "0.id")
	if id == "" {
		return errors.New("userDisconnected without user id")
	}
	s.setPresence(id, false)
	return nil
}

func (s *ServiceConnection) onUserActivity(ctx context.Context, ev transport.Event) error {
	id := router.FirstString(ev, "0", "0.userId")
	if id == "" {
		return errors.New("userActivity without user id")
	}
	active := true
	if v := router.Arg(ev, "1.active"); v.Exists() {
		active = v.Bool()
	}
	s.setPresence(id, active)
	return nil
}

func (s *ServiceConnection) onUserUpsert(ctx context.Context, ev transport.Event) error {
	doc := router.Arg(ev, "0")
	if doc.Get("data").IsObject() {
		doc = doc.Get("data")
	}
	s.upsertUser(doc)
	return nil
}

func (s *ServiceConnection) onUserDelete(ctx context.Context, ev transport.Event) error {
	id := router.FirstString(ev, "0", "0._id", "0.id")
	if id == "" {
		return errors.New("deleteUser without user id")
	}
	s.roster.Remove(id)
	return nil
}

// onModifyDocument tracks pushed User changes; other types are ignored.
func (s *ServiceConnection) onModifyDocument(ctx context.Context, ev transport.Event) error {
	docType := router.FirstString(ev, "0.request.type", "0.type")
	if docType != "User" {
		return nil
	}
	action := router.FirstString(ev, "0.request.action", "0.action")
	router.Arg(ev, "0.result").ForEach(func(_, item gjson.Result) bool {
		switch dispatch.Action(action) {
		case dispatch.ActionDelete:
			id := item.String()
			if item.IsObject() {
				id = item.Get("_id").String()
			}
			s.roster.Remove(id)
		case dispatch.ActionCreate, dispatch.ActionUpdate:
			s.upsertUser(item)
		}
		return true
	})
	return nil
}

// upsertUser merges the fields present in a (partial) user document.
func (s *ServiceConnection) upsertUser(doc gjson.Result) {
	id := doc.Get("_id").String()
	if id == "" {
		return
	}
	s.roster.Update(id, func(u *state.UserSummary) {
		if v := doc.Get("name"); v.Exists() {
			u.Name = v.String()
		}
		if v := doc.Get("role"); v.Exists() {
			u.Role = state.Role(v.Int())
		}
		if v := doc.Get("color"); v.Exists() {
			u.Color = handshake.ParseUser(doc).Color
		}
		if v := doc.Get("character"); v.Exists() {
			u.CharacterID = v.String()
		}
		if v := doc.Get("active"); v.Exists() {
			u.Active = v.Bool()
		}
	})
}

func (s *ServiceConnection) setPresence(userID string, active bool) {
	known := s.roster.SetActive(userID, active)
	if known || !active {
		return
	}
	s.enrichMu.Lock()
	seen := s.enriched[userID]
	s.enriched[userID] = true
	s.enrichMu.Unlock()
	if seen {
		return
	}
	// handlers run on the read pump, the refetch must not block it
	go s.enrich(userID)
}

func (s *ServiceConnection) enrich(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout+time.Second)
	defer cancel()
	if _, err := s.GetUsersDetails(ctx); err != nil {
		s.logger.Warn("Failed to enrich unknown active user", slog.String("userID", userID), slog.Any("error", err))
		return
	}
	s.logger.Debug("Enriched unknown active user", slog.String("userID", userID))
}

// --- compendium ---

// Packs lists the compendium packs advertised by the world.
func (s *ServiceConnection) Packs(ctx context.Context) ([]state.PackInfo, error) {
	s.metaMu.RLock()
	packs := append([]state.PackInfo(nil), s.packs...)
	s.metaMu.RUnlock()
	if len(packs) > 0 {
		return packs, nil
	}
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := s.loadMetadata(ctx); err != nil {
		return nil, err
	}
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return append([]state.PackInfo(nil), s.packs...), nil
}

// PackIndex loads the id to name index of one pack.
func (s *ServiceConnection) PackIndex(ctx context.Context, pack state.PackInfo) (map[string]string, error) {
	req := dispatch.Request{DocumentType: pack.Type, Operation: dispatch.GetQuery{Index: true}, Pack: pack.ID}
	resp, err := s.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(resp.Result))
	for _, doc := range resp.Result {
		if id := doc.ID(); id != "" {
			names[id] = doc.Name()
		}
	}
	return names, nil
}

// LookupName resolves the display name of a document uuid. Compendium
// references are answered from the index, building it on first use.
func (s *ServiceConnection) LookupName(ctx context.Context, uuid string) (string, error) {
	ref, err := dispatch.ParseUUID(uuid)
	if err != nil {
		return "", err
	}
	if ref.Scope == dispatch.ScopeCompendium && s.index != nil {
		if !s.index.Built() {
			if _, err := s.index.Build(ctx, s); err != nil {
				s.logger.Debug("Compendium index unavailable", slog.Any("error", err))
			}
		}
		if name, ok := s.index.Lookup(ref.String()); ok {
			return name, nil
		}
	}
	doc, err := s.FetchByUUID(ctx, uuid)
	if err != nil {
		return "", err
	}
	return doc.Name(), nil
}

// --- documents ---

func (s *ServiceConnection) GetActors(ctx context.Context) ([]dispatch.Document, error) {
	return s.docs.getActors(ctx)
}

func (s *ServiceConnection) GetActor(ctx context.Context, id string) (dispatch.Document, error) {
	return s.docs.getActor(ctx, id)
}

func (s *ServiceConnection) CreateActor(ctx context.Context, data any) ([]dispatch.Document, error) {
	return s.docs.create(ctx, "Actor", nil, data)
}

func (s *ServiceConnection) UpdateActor(ctx context.Context, id string, changes map[string]any) (dispatch.Document, error) {
	return s.docs.update(ctx, "Actor", nil, id, changes)
}

func (s *ServiceConnection) DeleteActor(ctx context.Context, id string) error {
	return s.docs.delete(ctx, "Actor", nil, id)
}

func (s *ServiceConnection) CreateActorItem(ctx context.Context, actorID string, data any) ([]dispatch.Document, error) {
	return s.docs.create(ctx, "Item", actorParent(actorID), data)
}

func (s *ServiceConnection) UpdateActorItem(ctx context.Context, actorID, itemID string, changes map[string]any) (dispatch.Document, error) {
	return s.docs.update(ctx, "Item", actorParent(actorID), itemID, changes)
}

func (s *ServiceConnection) DeleteActorItem(ctx context.Context, actorID, itemID string) error {
	return s.docs.delete(ctx, "Item", actorParent(actorID), itemID)
}

func (s *ServiceConnection) FetchByUUID(ctx context.Context, uuid string) (dispatch.Document, error) {
	return s.docs.fetchByUUID(ctx, uuid)
}

func (s *ServiceConnection) GetChatLog(ctx context.Context, limit int) ([]dispatch.Document, error) {
	return s.docs.chatLog(ctx, limit)
}

func (s *ServiceConnection) SendMessage(ctx context.Context, content string, opts MessageOptions) (dispatch.Document, error) {
	return s.docs.sendMessage(ctx, s.UserID(), content, opts)
}

func (s *ServiceConnection) Roll(ctx context.Context, formula string, opts MessageOptions) (dispatch.Document, error) {
	return s.docs.roll(ctx, s.UserID(), formula, opts)
}

// LaunchWorld starts a world from the setup screen and opens the launch
// window. The world stays offline until the server reports it ready.
func (s *ServiceConnection) LaunchWorld(ctx context.Context, worldID string) error {
	if err := s.http.LaunchWorld(ctx, worldID, s.opts.AdminPassword); err != nil {
		return fmt.Errorf("launch world '%s': %w", worldID, err)
	}
	s.Connection.world.Reset()
	s.RecordLaunch()
	s.logger.Info("World launch requested", slog.String("world", worldID))
	return nil
}

// ShutdownWorld returns the server to the setup screen.
func (s *ServiceConnection) ShutdownWorld(ctx context.Context) error {
	if err := s.http.Shutdown(ctx, s.opts.AdminPassword); err != nil {
		return fmt.Errorf("shutdown world: %w", err)
	}
	s.setWorld(WorldSetup)
	s.logger.Info("World shutdown requested")
	return nil
}

package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/pkg/dispatch"
	"github.com/a-essam23/tablelink/pkg/state"
)

// invalidationThreshold is the number of consecutive presence reports
// contradicting an open channel after which the session is dropped.
const invalidationThreshold = 10

// IdentityConnection is one end user's connection. Reads go through the
// service connection filtered to what the user may see; writes use the
// user's own channel when it is open so they are attributed correctly.
type IdentityConnection struct {
	*Connection
	service *ServiceConnection
	docs    documentAPI

	identMu      sync.Mutex
	username     string
	password     string
	accountID    string
	mismatches   int
	invalid      bool
	onInvalidate func(error)
	stopWatch    func()
}

func NewIdentityConnection(service *ServiceConnection, opts Options, logger *slog.Logger) (*IdentityConnection, error) {
	conn, err := newConnection("identity_connection", opts, logger)
	if err != nil {
		return nil, err
	}
	i := &IdentityConnection{Connection: conn, service: service}
	i.docs = documentAPI{dispatch: i.Dispatch}
	i.onChannelClosed(func(error) { i.world.Reset() })
	return i, nil
}

// OnInvalidate registers the callback fired once when the remote server
// reports this user gone. It runs on its own goroutine.
func (i *IdentityConnection) OnInvalidate(fn func(reason error)) {
	i.identMu.Lock()
	i.onInvalidate = fn
	i.identMu.Unlock()
}

// AccountID is the user id this connection authenticated as. Unlike
// UserID it survives disconnects.
func (i *IdentityConnection) AccountID() string {
	i.identMu.Lock()
	defer i.identMu.Unlock()
	return i.accountID
}

func (i *IdentityConnection) Username() string {
	i.identMu.Lock()
	defer i.identMu.Unlock()
	return i.username
}

// Login resolves the user by name, posts the password and opens the
// user's own channel.
func (i *IdentityConnection) Login(ctx context.Context, username, password string) error {
	i.identMu.Lock()
	i.username, i.password = username, password
	i.identMu.Unlock()

	page, err := i.Handshake(ctx)
	if err != nil {
		return err
	}
	if page.Setup {
		return ErrSetupMode
	}
	user, err := i.resolveUser(ctx, page, username)
	if err != nil {
		return err
	}
	if err := i.Connection.Login(ctx, user.ID, password); err != nil {
		return err
	}
	if err := i.OpenChannel(ctx, user.ID); err != nil {
		return err
	}
	i.established(user.ID)
	return nil
}

// Connect logs in again with the stored credentials.
func (i *IdentityConnection) Connect(ctx context.Context) error {
	i.identMu.Lock()
	username, password := i.username, i.password
	i.identMu.Unlock()
	if username == "" {
		return ErrNotLoggedIn
	}
	return i.Login(ctx, username, password)
}

// RestoreSession reopens the channel with a persisted cookie. The password
// exchange is not repeated.
func (i *IdentityConnection) RestoreSession(ctx context.Context, cookie, userID string) error {
	i.http.UseCookie(cookie)
	if err := i.OpenChannel(ctx, userID); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	i.mu.Lock()
	i.explicitSession = true
	i.mu.Unlock()
	i.established(userID)
	return nil
}

func (i *IdentityConnection) resolveUser(ctx context.Context, page *handshake.JoinPage, name string) (state.UserSummary, error) {
	if u, ok := i.service.FindUser(name); ok {
		return u, nil
	}
	if u, err := handshake.FindUser(page.Users, name); err == nil {
		return u, nil
	}
	d, err := i.ProbeWorldState(ctx)
	if err != nil {
		return state.UserSummary{}, fmt.Errorf("resolve user '%s': %w", name, err)
	}
	return handshake.FindUser(d.Users, name)
}

func (i *IdentityConnection) established(userID string) {
	if i.service.WorldState() == WorldActive {
		i.setWorld(WorldActive)
	}
	stop := i.service.WatchRoster(func(kind state.ChangeKind, u state.UserSummary) {
		if u.ID == userID {
			i.observe(kind, u)
		}
	})

	i.identMu.Lock()
	prev := i.stopWatch
	i.accountID = userID
	i.mismatches = 0
	i.invalid = false
	i.stopWatch = stop
	i.identMu.Unlock()
	if prev != nil {
		prev()
	}
	i.logger.Info("Identity established", slog.String("userID", userID))
}

// observe runs for every roster change of this user.
func (i *IdentityConnection) observe(kind state.ChangeKind, u state.UserSummary) {
	switch kind {
	case state.ChangeRemove:
		i.invalidate(fmt.Errorf("%w: user %s was deleted", ErrSessionInvalid, u.ID))
	case state.ChangePresence:
		if !i.Connection.IsConnected() {
			return
		}
		i.identMu.Lock()
		if u.Active {
			i.mismatches = 0
			i.identMu.Unlock()
			return
		}
		i.mismatches++
		n := i.mismatches
		i.identMu.Unlock()
		i.logger.Debug("Presence mismatch", slog.Int("count", n))
		if n >= invalidationThreshold {
			i.invalidate(fmt.Errorf("%w: server reported user inactive %d times", ErrSessionInvalid, n))
		}
	}
}

// invalidate performs a soft reset: local session state is cleared but the
// socket is left to its owner.
func (i *IdentityConnection) invalidate(reason error) {
	i.identMu.Lock()
	if i.invalid {
		i.identMu.Unlock()
		return
	}
	i.invalid = true
	stop, fn := i.stopWatch, i.onInvalidate
	i.stopWatch = nil
	i.identMu.Unlock()

	if stop != nil {
		stop()
	}
	i.mu.Lock()
	i.userID = ""
	i.explicitSession = false
	i.mu.Unlock()
	i.world.Reset()

	i.logger.Warn("Session invalidated", slog.Any("reason", reason))
	if fn != nil {
		go fn(reason)
	}
}

func (i *IdentityConnection) stopWatching() {
	i.identMu.Lock()
	stop := i.stopWatch
	i.stopWatch = nil
	i.identMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Disconnect closes the user's channel and stops presence tracking.
func (i *IdentityConnection) Disconnect() {
	i.stopWatching()
	i.Connection.Disconnect()
}

// Logout ends the remote session.
func (i *IdentityConnection) Logout(ctx context.Context) error {
	i.stopWatching()
	return i.logout(ctx)
}

// ValidateSession is the live-user check: the session was not invalidated,
// the user's channel is open and the user still exists in the world.
func (i *IdentityConnection) ValidateSession(ctx context.Context) error {
	i.identMu.Lock()
	invalid, accountID := i.invalid, i.accountID
	i.identMu.Unlock()
	if invalid {
		return ErrSessionInvalid
	}
	if !i.Connection.IsConnected() {
		return fmt.Errorf("%w: %w", ErrSessionInvalid, ErrNotConnected)
	}
	if accountID == "" || i.UserID() != accountID {
		return fmt.Errorf("%w: channel not authenticated as %s", ErrSessionInvalid, accountID)
	}
	if users, err := i.service.GetUsers(ctx); err == nil && len(users) > 0 {
		if _, ok := i.service.User(accountID); !ok {
			return fmt.Errorf("%w: user %s no longer exists", ErrSessionInvalid, accountID)
		}
	}
	return nil
}

func (i *IdentityConnection) role() state.Role {
	u, _ := i.service.User(i.AccountID())
	return u.Role
}

func (i *IdentityConnection) canSee(doc dispatch.Document) bool {
	return i.role().Elevated() || doc.OwnershipFor(i.AccountID()).Has(state.OwnershipLimited)
}

func (i *IdentityConnection) canSeeMessage(doc dispatch.Document) bool {
	if i.role().Elevated() {
		return true
	}
	me := i.AccountID()
	whisper := doc.Whisper()
	return len(whisper) == 0 || doc.Author() == me || slices.Contains(whisper, me)
}

func (i *IdentityConnection) visible(docType string, docs []dispatch.Document) []dispatch.Document {
	allowed := i.canSee
	if docType == "ChatMessage" {
		allowed = i.canSeeMessage
	}
	out := make([]dispatch.Document, 0, len(docs))
	for _, d := range docs {
		if allowed(d) {
			out = append(out, d)
		}
	}
	return out
}

// Dispatch prefers the user's own channel and falls back to the service
// channel. Reads through the fallback are filtered.
func (i *IdentityConnection) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	if i.Connection.IsConnected() {
		return i.Connection.Dispatch(ctx, req)
	}
	resp, err := i.service.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Action() == dispatch.ActionGet {
		resp.Result = i.visible(req.DocumentType, resp.Result)
	}
	return resp, nil
}

// authorizeActorWrite guards writes that would run under the service
// account because the user's channel is down.
func (i *IdentityConnection) authorizeActorWrite(ctx context.Context, actorID string) error {
	if i.Connection.IsConnected() || i.role().Elevated() {
		return nil
	}
	actor, err := i.service.GetActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.OwnershipFor(i.AccountID()).Has(state.OwnershipOwner) {
		return fmt.Errorf("%w: not an owner of Actor.%s", ErrForbidden, actorID)
	}
	return nil
}

// --- reads ---

func (i *IdentityConnection) GetSystem(ctx context.Context) (state.SystemInfo, error) {
	return i.service.GetSystem(ctx)
}

func (i *IdentityConnection) GetUsers(ctx context.Context) ([]state.UserSummary, error) {
	return i.service.GetUsers(ctx)
}

func (i *IdentityConnection) GetUsersDetails(ctx context.Context) ([]state.UserSummary, error) {
	return i.service.GetUsersDetails(ctx)
}

func (i *IdentityConnection) GetWorld() (state.WorldSnapshot, bool) {
	return i.service.GetWorld()
}

func (i *IdentityConnection) GetActors(ctx context.Context) ([]dispatch.Document, error) {
	actors, err := i.service.GetActors(ctx)
	if err != nil {
		return nil, err
	}
	return i.visible("Actor", actors), nil
}

func (i *IdentityConnection) GetActor(ctx context.Context, id string) (dispatch.Document, error) {
	actor, err := i.service.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	if !i.canSee(actor) {
		return nil, fmt.Errorf("%w: Actor.%s", ErrNotFound, id)
	}
	return actor, nil
}

// FetchByUUID checks visibility on the document, or on its parent for
// embedded documents.
func (i *IdentityConnection) FetchByUUID(ctx context.Context, uuid string) (dispatch.Document, error) {
	ref, err := dispatch.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	doc, err := i.service.FetchByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if ref.Scope == dispatch.ScopeCompendium {
		return doc, nil
	}
	guard := doc
	if ref.Parent != nil {
		if guard, err = i.service.FetchByUUID(ctx, ref.Parent.String()); err != nil {
			return nil, err
		}
	}
	if !i.canSee(guard) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return doc, nil
}

func (i *IdentityConnection) GetChatLog(ctx context.Context, limit int) ([]dispatch.Document, error) {
	all, err := i.service.GetChatLog(ctx, 0)
	if err != nil {
		return nil, err
	}
	msgs := i.visible("ChatMessage", all)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (i *IdentityConnection) GetSharedContent() []handshake.SharedItem {
	if i.Connection.IsConnected() {
		return i.Connection.GetSharedContent()
	}
	return i.service.GetSharedContent()
}

// --- writes ---

func (i *IdentityConnection) CreateActor(ctx context.Context, data any) ([]dispatch.Document, error) {
	return i.docs.create(ctx, "Actor", nil, data)
}

func (i *IdentityConnection) UpdateActor(ctx context.Context, id string, changes map[string]any) (dispatch.Document, error) {
	if err := i.authorizeActorWrite(ctx, id); err != nil {
		return nil, err
	}
	return i.docs.update(ctx, "Actor", nil, id, changes)
}

func (i *IdentityConnection) DeleteActor(ctx context.Context, id string) error {
	if err := i.authorizeActorWrite(ctx, id); err != nil {
		return err
	}
	return i.docs.delete(ctx, "Actor", nil, id)
}

func (i *IdentityConnection) CreateActorItem(ctx context.Context, actorID string, data any) ([]dispatch.Document, error) {
	if err := i.authorizeActorWrite(ctx, actorID); err != nil {
		return nil, err
	}
	return i.docs.create(ctx, "Item", actorParent(actorID), data)
}

func (i *IdentityConnection) UpdateActorItem(ctx context.Context, actorID, itemID string, changes map[string]any) (dispatch.Document, error) {
	if err := i.authorizeActorWrite(ctx, actorID); err != nil {
		return nil, err
	}
	return i.docs.update(ctx, "Item", actorParent(actorID), itemID, changes)
}

func (i *IdentityConnection) DeleteActorItem(ctx context.Context, actorID, itemID string) error {
	if err := i.authorizeActorWrite(ctx, actorID); err != nil {
		return err
	}
	return i.docs.delete(ctx, "Item", actorParent(actorID), itemID)
}

func (i *IdentityConnection) SendMessage(ctx context.Context, content string, opts MessageOptions) (dispatch.Document, error) {
	return i.docs.sendMessage(ctx, i.AccountID(), content, opts)
}

func (i *IdentityConnection) Roll(ctx context.Context, formula string, opts MessageOptions) (dispatch.Document, error) {
	return i.docs.roll(ctx, i.AccountID(), formula, opts)
}

// LaunchWorld and ShutdownWorld are reserved to elevated users.
func (i *IdentityConnection) LaunchWorld(ctx context.Context, worldID string) error {
	if !i.role().Elevated() {
		return ErrForbidden
	}
	return i.service.LaunchWorld(ctx, worldID)
}

func (i *IdentityConnection) ShutdownWorld(ctx context.Context) error {
	if !i.role().Elevated() {
		return ErrForbidden
	}
	return i.service.ShutdownWorld(ctx)
}

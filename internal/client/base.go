// Package client implements the connections to the remote tabletop server:
// the privileged service connection and per-user identity connections.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/internal/router"
	"github.com/a-essam23/tablelink/pkg/dispatch"
	"github.com/a-essam23/tablelink/pkg/transport"
)

type sessionInfo struct {
	sessionID string
	userID    string
}

// Connection is one physical event channel plus the HTTP handshake that
// authenticates it. It owns socket lifecycle, not business data.
type Connection struct {
	opts   Options
	http   *handshake.Client
	router *router.EventRouter
	shared *handshake.SharedContent
	world  WorldFSM
	logger *slog.Logger

	mu              sync.RWMutex
	channel         Channel
	generation      int
	userID          string
	explicitSession bool
	join            *handshake.JoinPage
	lastLaunch      time.Time
	sessionWait     chan sessionInfo
	failures        int
	tripped         bool
	closeHooks      []func(error)
	readyHooks      []func()
}

func newConnection(component string, opts Options, logger *slog.Logger) (*Connection, error) {
	opts = opts.withDefaults()
	logger = logger.With(slog.String("component", component))
	hc, err := handshake.NewClient(opts.BaseURL, opts.HandshakeTimeout, logger)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		opts:   opts,
		http:   hc,
		router: router.NewEventRouter(logger),
		shared: handshake.NewSharedContent(handshake.SharedContentTTL),
		logger: logger,
	}
	c.registerBaseHandlers()
	return c, nil
}

func (c *Connection) registerBaseHandlers() {
	c.router.Register("session", c.onSession)
	c.router.Register("progress", c.onProgress)
	c.router.Register("ready", c.handleWorldReady)
	c.router.Register("init", c.handleWorldReady)
	c.router.Register("shutdown", c.onShutdown)
	c.router.Register(handshake.EventShareImage, c.onShared)
	c.router.Register(handshake.EventShowEntry, c.onShared)
}

// Handshake fetches the join page, capturing cookies and the csrf token.
// A join page that redirects to setup moves the world to setup.
func (c *Connection) Handshake(ctx context.Context) (*handshake.JoinPage, error) {
	page, err := c.http.FetchJoin(ctx)
	if err != nil {
		return nil, fmt.Errorf("join handshake: %w", err)
	}
	c.mu.Lock()
	c.join = page
	c.mu.Unlock()
	if page.Setup {
		c.setWorld(WorldSetup)
	}
	return page, nil
}

// Login posts credentials using the token of the last handshake.
func (c *Connection) Login(ctx context.Context, userID, password string) error {
	c.mu.RLock()
	page := c.join
	c.mu.RUnlock()
	if page == nil {
		var err error
		if page, err = c.Handshake(ctx); err != nil {
			return err
		}
	}
	if page.Setup {
		return ErrSetupMode
	}
	if err := c.http.PostLogin(ctx, userID, password, page.CSRFToken); err != nil {
		return fmt.Errorf("login as '%s': %w", userID, err)
	}
	c.mu.Lock()
	c.userID = userID
	c.explicitSession = true
	c.mu.Unlock()
	c.logger.Info("Logged in", slog.String("userID", userID))
	return nil
}

// OpenChannel dials the event channel with the captured cookie and waits
// for the server's session confirmation. A non-empty expectUserID must
// match the confirmed user.
func (c *Connection) OpenChannel(ctx context.Context, expectUserID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ChannelTimeout)
	defer cancel()

	wait := make(chan sessionInfo, 1)
	c.mu.Lock()
	old := c.channel
	c.channel = nil
	c.generation++
	gen := c.generation
	c.sessionWait = wait
	c.mu.Unlock()
	if old != nil {
		old.Close(nil)
	}

	jar := c.http.Jar()
	cfg := transport.DialConfig{
		BaseURL:     c.http.BaseURL(),
		SessionID:   jar.SessionID(),
		Cookie:      jar.Header(),
		ReadTimeout: c.opts.ReadTimeout,
	}
	ch, err := c.opts.Dialer(ctx, cfg, c.router.HandleEvent, c.closeHandler(gen), c.logger)
	if err != nil {
		return fmt.Errorf("open event channel: %w", err)
	}

	var info sessionInfo
	select {
	case info = <-wait:
	case <-ch.Done():
		return fmt.Errorf("%w: channel closed before session confirmation", ErrNotConnected)
	case <-ctx.Done():
		ch.Close(ctx.Err())
		return fmt.Errorf("waiting for session confirmation: %w", ctx.Err())
	}
	if expectUserID != "" && info.userID != expectUserID {
		ch.Close(ErrSessionInvalid)
		return fmt.Errorf("%w: server confirmed user '%s', expected '%s'", ErrSessionInvalid, info.userID, expectUserID)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		ch.Close(nil)
		return fmt.Errorf("%w: superseded while opening", ErrNotConnected)
	}
	c.channel = ch
	c.sessionWait = nil
	c.failures = 0
	c.tripped = false
	if info.userID != "" {
		c.userID = info.userID
	}
	c.mu.Unlock()

	c.logger.Info("Event channel open", slog.String("userID", info.userID))
	return nil
}

func (c *Connection) closeHandler(gen int) transport.OnCloseHandler {
	return func(err error) {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.channel = nil
		hooks := append([]func(error){}, c.closeHooks...)
		c.mu.Unlock()

		c.logger.Warn("Event channel closed by remote", slog.Any("reason", err))
		for _, h := range hooks {
			h(err)
		}
	}
}

// onChannelClosed registers fn for server-initiated channel closes.
func (c *Connection) onChannelClosed(fn func(error)) {
	c.mu.Lock()
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

// Disconnect closes the event channel and forgets the session cookie, so a
// later Connect starts a fresh session. It is safe to call repeatedly.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.generation++
	c.userID = ""
	c.explicitSession = false
	c.mu.Unlock()
	c.http.Jar().Reset()
	c.world.Reset()
	if ch != nil {
		ch.Close(nil)
		c.logger.Info("Disconnected")
	}
}

func (c *Connection) IsConnected() bool {
	_, err := c.activeChannel()
	return err == nil
}

func (c *Connection) activeChannel() (Channel, error) {
	c.mu.RLock()
	ch, tripped := c.channel, c.tripped
	c.mu.RUnlock()
	if ch == nil {
		if tripped {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, ErrNotConnected)
		}
		return nil, ErrNotConnected
	}
	select {
	case <-ch.Done():
		return nil, ErrNotConnected
	default:
		return ch, nil
	}
}

// Emit sends an event and waits for the acknowledgement. A zero timeout
// uses the dispatch timeout.
func (c *Connection) Emit(ctx context.Context, timeout time.Duration, event string, args ...any) (json.RawMessage, error) {
	ch, err := c.activeChannel()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.DispatchTimeout
	}
	return ch.Emit(ctx, timeout, event, args...)
}

// Dispatch runs a document operation over this connection's channel.
// Transport failures count toward the circuit breaker unless they are
// timeouts inside the launch window.
func (c *Connection) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch, err := c.activeChannel()
	if err != nil {
		return nil, err
	}
	raw, err := ch.Emit(ctx, c.opts.DispatchTimeout, dispatch.EventName, req)
	if err != nil {
		c.recordFailure(err)
		return nil, fmt.Errorf("dispatch %s %s: %w", req.Action(), req.DocumentType, err)
	}
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	return dispatch.DecodeResponse(raw)
}

func (c *Connection) recordFailure(err error) {
	var ackErr *transport.AckError
	if errors.As(err, &ackErr) || errors.Is(err, context.Canceled) {
		return
	}
	now := c.opts.Now()

	c.mu.Lock()
	if errors.Is(err, transport.ErrAckTimeout) && InLaunchWindow(c.lastLaunch, now) {
		c.mu.Unlock()
		c.logger.Debug("Dispatch timeout inside launch window, not counted")
		return
	}
	c.failures++
	failures := c.failures
	trip := failures >= c.opts.FailureThreshold && !c.tripped
	if trip {
		c.tripped = true
	}
	c.mu.Unlock()

	if trip {
		c.logger.Error("Circuit breaker tripped, disconnecting", slog.Int("failures", failures), slog.Any("lastError", err))
		c.tripBreaker()
	}
}

func (c *Connection) tripBreaker() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.generation++
	c.userID = ""
	c.explicitSession = false
	c.mu.Unlock()
	c.world.Reset()
	if ch != nil {
		ch.Close(ErrCircuitOpen)
	}
}

// RecordLaunch notes a world launch signal.
func (c *Connection) RecordLaunch() {
	c.mu.Lock()
	c.lastLaunch = c.opts.Now()
	c.mu.Unlock()
}

func (c *Connection) Status() Status {
	c.mu.RLock()
	in := StatusInput{
		UserID:          c.userID,
		ExplicitSession: c.explicitSession,
		LastLaunch:      c.lastLaunch,
	}
	c.mu.RUnlock()
	in.World = c.world.State()
	in.SocketConnected = c.IsConnected()
	in.Now = c.opts.Now()
	return DeriveStatus(in)
}

func (c *Connection) WorldState() WorldState {
	return c.world.State()
}

// UserID is the authenticated user, empty for guests.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Cookie returns the Cookie header authenticating this connection.
func (c *Connection) Cookie() string {
	return c.http.Jar().Header()
}

// GetSharedContent lists content pushed by a game master in the last two minutes.
func (c *Connection) GetSharedContent() []handshake.SharedItem {
	return c.shared.Items()
}

// setWorld reports whether the transition was applied.
func (c *Connection) setWorld(to WorldState) bool {
	from := c.world.State()
	if err := c.world.Transition(to); err != nil {
		c.logger.Debug("Ignoring world transition", slog.Any("error", err))
		return false
	}
	if from != to {
		c.logger.Info("World state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	return true
}

// logout ends the remote session and closes the channel.
func (c *Connection) logout(ctx context.Context) error {
	err := c.http.Logout(ctx)
	c.Disconnect()
	c.mu.Lock()
	c.join = nil
	c.mu.Unlock()
	return err
}

// --- built-in event handlers ---

func (c *Connection) onSession(ctx context.Context, ev transport.Event) error {
	info := sessionInfo{
		sessionID: router.FirstString(ev, "0.sessionId"),
		userID:    router.FirstString(ev, "0.userId"),
	}
	c.mu.Lock()
	wait := c.sessionWait
	c.mu.Unlock()
	if wait != nil {
		select {
		case wait <- info:
		default:
		}
	}
	c.logger.Debug("Session confirmed", slog.String("userID", info.userID))
	return nil
}

func (c *Connection) onProgress(ctx context.Context, ev transport.Event) error {
	if router.Arg(ev, "0.action").String() != "launchWorld" {
		return nil
	}
	c.RecordLaunch()
	c.logger.Info("World launch progress", slog.Float64("pct", router.Arg(ev, "0.pct").Float()))
	return nil
}

func (c *Connection) handleWorldReady(ctx context.Context, ev transport.Event) error {
	if c.world.State() == WorldActive || !c.setWorld(WorldActive) {
		return nil
	}
	c.mu.RLock()
	hooks := append([]func(){}, c.readyHooks...)
	c.mu.RUnlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

// onWorldReady registers fn for a world becoming active on an open
// channel. fn runs on the read pump and must not block.
func (c *Connection) onWorldReady(fn func()) {
	c.mu.Lock()
	c.readyHooks = append(c.readyHooks, fn)
	c.mu.Unlock()
}

func (c *Connection) onShutdown(ctx context.Context, ev transport.Event) error {
	c.setWorld(WorldOffline)
	return nil
}

func (c *Connection) onShared(ctx context.Context, ev transport.Event) error {
	payload := ev.Arg(0)
	if payload == nil {
		payload = json.RawMessage(`null`)
	}
	c.shared.Record(ev.Name, payload)
	return nil
}

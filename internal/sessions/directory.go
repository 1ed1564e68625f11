// Package sessions keeps the service connection and the per-user identity
// connections, persisting enough of each to survive a restart.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/internal/client"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ServiceKey is the record key of the service connection's own session.
const ServiceKey = "__service__"

const (
	DefaultRestoreAttempts = 3
	DefaultRestoreInterval = time.Second
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWorldChanged    = errors.New("session belongs to a different world")
)

// Session is one logged-in end user.
type Session struct {
	ID       string
	Identity *client.IdentityConnection
	UserID   string
	Username string
	WorldID  string

	mu         sync.Mutex
	lastActive time.Time
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) record() Record {
	return Record{
		Username: s.Username,
		UserID:   s.UserID,
		Cookie:   s.Identity.Cookie(),
		WorldID:  s.WorldID,
	}
}

type Options struct {
	ServiceUsername string
	ServicePassword string
	RestoreAttempts int
	RestoreInterval time.Duration
	// Client configures every identity connection.
	Client client.Options
}

// Directory owns the service connection and the session map.
type Directory struct {
	opts     Options
	service  *client.ServiceConnection
	store    *Store
	logger   *slog.Logger
	restores singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(service *client.ServiceConnection, store *Store, opts Options, logger *slog.Logger) *Directory {
	if opts.RestoreAttempts <= 0 {
		opts.RestoreAttempts = DefaultRestoreAttempts
	}
	if opts.RestoreInterval <= 0 {
		opts.RestoreInterval = DefaultRestoreInterval
	}
	return &Directory{
		opts:     opts,
		service:  service,
		store:    store,
		logger:   logger.With(slog.String("component", "session_directory")),
		sessions: make(map[string]*Session),
	}
}

func (d *Directory) Service() *client.ServiceConnection {
	return d.service
}

// Initialize loads the session file and brings the service connection up,
// reusing its persisted session when the server still accepts it. A world
// in setup mode is not an error.
func (d *Directory) Initialize(ctx context.Context) error {
	if err := d.store.Load(); err != nil {
		return err
	}
	d.service.SetCredentials(d.opts.ServiceUsername, d.opts.ServicePassword)

	if rec, ok := d.store.Get(ServiceKey); ok {
		err := d.service.RestoreSession(ctx, rec.Cookie, rec.UserID)
		if err == nil {
			err = d.service.ValidateSession(ctx)
		}
		if err == nil {
			d.logger.Info("Service session restored", slog.String("userID", rec.UserID))
			d.saveService()
			return nil
		}
		d.logger.Warn("Persisted service session rejected, logging in", slog.Any("error", err))
		d.service.Disconnect()
		d.purge(ServiceKey)
	}

	err := d.service.Connect(ctx)
	if errors.Is(err, client.ErrSetupMode) {
		d.logger.Warn("World is in setup mode, service connection idle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("service login: %w", err)
	}
	d.saveService()
	return nil
}

// EnsureService reconnects the service connection when it is down. A world
// in setup mode is not an error.
func (d *Directory) EnsureService(ctx context.Context) error {
	if d.service.IsConnected() {
		return nil
	}
	err := d.service.Connect(ctx)
	if errors.Is(err, client.ErrSetupMode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("service reconnect: %w", err)
	}
	d.logger.Info("Service connection re-established", slog.String("userID", d.service.UserID()))
	d.saveService()
	return nil
}

func (d *Directory) saveService() {
	rec := Record{
		Username: d.opts.ServiceUsername,
		UserID:   d.service.UserID(),
		Cookie:   d.service.Cookie(),
		WorldID:  d.service.WorldID(),
	}
	if err := d.store.Put(ServiceKey, rec); err != nil {
		d.logger.Warn("Failed to persist service session", slog.Any("error", err))
	}
}

// CreateSession logs a user in on a new identity connection and persists
// the resulting session.
func (d *Directory) CreateSession(ctx context.Context, username, password string) (*Session, error) {
	ident, err := client.NewIdentityConnection(d.service, d.opts.Client, d.logger)
	if err != nil {
		return nil, err
	}
	if err := ident.Login(ctx, username, password); err != nil {
		ident.Disconnect()
		return nil, err
	}
	sess := &Session{
		ID:         uuid.NewString(),
		Identity:   ident,
		UserID:     ident.AccountID(),
		Username:   username,
		WorldID:    d.service.WorldID(),
		lastActive: time.Now(),
	}
	d.register(sess)
	if err := d.store.Put(sess.ID, sess.record()); err != nil {
		d.logger.Warn("Failed to persist session", slog.String("sessionID", sess.ID), slog.Any("error", err))
	}
	d.logger.Info("Session created", slog.String("sessionID", sess.ID), slog.String("userID", sess.UserID))
	return sess, nil
}

func (d *Directory) register(sess *Session) {
	d.mu.Lock()
	d.sessions[sess.ID] = sess
	d.mu.Unlock()
	sess.Identity.OnInvalidate(func(reason error) {
		d.invalidate(sess, reason)
	})
}

// invalidate drops a session the server no longer recognises.
func (d *Directory) invalidate(sess *Session, reason error) {
	d.mu.Lock()
	if d.sessions[sess.ID] == sess {
		delete(d.sessions, sess.ID)
	}
	d.mu.Unlock()
	d.purge(sess.ID)
	sess.Identity.Disconnect()
	d.logger.Warn("Session invalidated", slog.String("sessionID", sess.ID), slog.Any("reason", reason))
}

func (d *Directory) purge(id string) {
	if err := d.store.Delete(id); err != nil {
		d.logger.Warn("Failed to purge session record", slog.String("sessionID", id), slog.Any("error", err))
	}
}

func (d *Directory) lookup(id string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[id]
}

// GetOrRestoreSession returns the live session or restores it from disk.
// Concurrent restores of one id share a single attempt. A record whose
// world changed or whose user is gone is purged.
func (d *Directory) GetOrRestoreSession(ctx context.Context, id string) (*Session, error) {
	if sess := d.lookup(id); sess != nil {
		sess.touch(time.Now())
		return sess, nil
	}
	if id == ServiceKey {
		return nil, ErrSessionNotFound
	}
	v, err, _ := d.restores.Do(id, func() (any, error) {
		return d.restore(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (d *Directory) restore(ctx context.Context, id string) (*Session, error) {
	if sess := d.lookup(id); sess != nil {
		return sess, nil
	}
	rec, ok := d.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if worldID := d.service.WorldID(); worldID != "" && rec.WorldID != "" && worldID != rec.WorldID {
		d.purge(id)
		return nil, fmt.Errorf("%w: recorded %s, running %s", ErrWorldChanged, rec.WorldID, worldID)
	}

	var ident *client.IdentityConnection
	attempt := 0
	op := func() error {
		attempt++
		conn, err := client.NewIdentityConnection(d.service, d.opts.Client, d.logger)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := conn.RestoreSession(ctx, rec.Cookie, rec.UserID); err != nil {
			conn.Disconnect()
			d.logger.Debug("Session restore attempt failed", slog.String("sessionID", id), slog.Int("attempt", attempt), slog.Any("error", err))
			if errors.Is(err, client.ErrSessionInvalid) || errors.Is(err, client.ErrSetupMode) {
				return backoff.Permanent(err)
			}
			return err
		}
		ident = conn
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.RestoreInterval), uint64(d.opts.RestoreAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		d.purge(id)
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}

	if err := ident.ValidateSession(ctx); err != nil {
		ident.Disconnect()
		d.purge(id)
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}

	sess := &Session{
		ID:         id,
		Identity:   ident,
		UserID:     rec.UserID,
		Username:   rec.Username,
		WorldID:    rec.WorldID,
		lastActive: time.Now(),
	}
	if sess.WorldID == "" {
		sess.WorldID = d.service.WorldID()
	}
	d.register(sess)
	if err := d.store.Put(id, sess.record()); err != nil {
		d.logger.Warn("Failed to persist restored session", slog.String("sessionID", id), slog.Any("error", err))
	}
	d.logger.Info("Session restored", slog.String("sessionID", id), slog.Int("attempts", attempt))
	return sess, nil
}

// DestroySession logs the user out and forgets the session.
func (d *Directory) DestroySession(ctx context.Context, id string) error {
	d.mu.Lock()
	sess := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()

	_, persisted := d.store.Get(id)
	if sess == nil && !persisted {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	d.purge(id)
	if sess == nil {
		return nil
	}
	err := sess.Identity.Logout(ctx)
	sess.Identity.Disconnect()
	d.logger.Info("Session destroyed", slog.String("sessionID", id))
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Sessions lists the live sessions, most recently active first.
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive().After(out[j].LastActive()) })
	return out
}

// Touch marks a live session as used.
func (d *Directory) Touch(id string) bool {
	sess := d.lookup(id)
	if sess == nil {
		return false
	}
	sess.touch(time.Now())
	return true
}

// Shutdown disconnects everything. Records stay on disk so the next
// process can restore them.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	live := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		live = append(live, s)
	}
	d.sessions = make(map[string]*Session)
	d.mu.Unlock()

	for _, s := range live {
		s.Identity.Disconnect()
	}
	if d.service.IsConnected() {
		d.saveService()
	}
	d.service.Disconnect()
	d.logger.Info("Session directory shut down", slog.Int("sessions", len(live)))
}

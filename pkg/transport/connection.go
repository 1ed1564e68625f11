package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

var (
	ErrAckTimeout     = errors.New("timed out waiting for acknowledgement")
	ErrSocketClosed   = errors.New("socket is closed")
	ErrConnectRefused = errors.New("socket.io connect refused")
)

// AckError is returned when the server acknowledges an emit with an error field.
type AckError struct {
	Event   string
	Message string
	Raw     json.RawMessage
}

func (e *AckError) Error() string {
	return fmt.Sprintf("event '%s' failed: %s", e.Event, e.Message)
}

// callback executed for every inbound event, in arrival order.
type EventHandler func(ctx context.Context, ev Event)

type OnCloseHandler func(err error)

type DialConfig struct {
	// BaseURL is the http(s) address of the remote server.
	BaseURL   string
	SessionID string
	Cookie    string
	// ReadTimeout bounds a single read; the server pings well within it.
	ReadTimeout time.Duration
	HTTPClient  *http.Client
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Socket is a client-side Socket.IO connection over a single websocket.
// Emit and Notify are safe for concurrent use.
type Socket struct {
	conn   *websocket.Conn
	config DialConfig
	send   chan []byte

	onEvent EventHandler
	onClose OnCloseHandler

	acks   map[int64]chan ackResult
	ackMu  sync.Mutex
	nextID atomic.Int64

	ready     chan error
	readyOnce sync.Once

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

// SocketURL converts the http base url into the engine.io websocket endpoint.
func SocketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme '%s'", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, completes the engine.io and socket.io handshakes
// and starts the pumps. It returns once the default namespace is connected.
func Dial(ctx context.Context, cfg DialConfig, onEvent EventHandler, onClose OnCloseHandler, logger *slog.Logger) (*Socket, error) {
	target, err := SocketURL(cfg.BaseURL, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.Cookie != "" {
		header.Set("Cookie", cfg.Cookie)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial event channel: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	s := newSocket(conn, cfg, onEvent, onClose, logger)
	s.run()

	select {
	case err := <-s.ready:
		if err != nil {
			s.Close(err)
			return nil, err
		}
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("event channel closed during handshake: %w", s.closeErr)
	case <-ctx.Done():
		s.Close(ctx.Err())
		return nil, fmt.Errorf("event channel handshake: %w", ctx.Err())
	}
}

func newSocket(conn *websocket.Conn, cfg DialConfig, onEvent EventHandler, onClose OnCloseHandler, logger *slog.Logger) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		conn:    conn,
		config:  cfg,
		send:    make(chan []byte, 256), // Buffered channel
		onEvent: onEvent,
		onClose: onClose,
		acks:    make(map[int64]chan ackResult),
		ready:   make(chan error, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "socket")),
	}
}

func (s *Socket) run() {
	go s.readPump()
	go s.writePump()
}

// readPump pumps frames from the websocket to the packet handler.
func (s *Socket) readPump() {
	var readErr error
	defer func() {
		s.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(s.ctx, s.config.ReadTimeout)
		typ, msg, err := s.conn.Read(readCtx)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText || len(msg) == 0 {
			continue
		}
		if err := s.handleFrame(msg); err != nil {
			readErr = err
			return
		}
	}
}

// writePump pumps messages from the send channel to the websocket.
func (s *Socket) writePump() {
	for {
		select {
		case message := <-s.send:
			if err := s.conn.Write(s.ctx, websocket.MessageText, message); err != nil {
				s.Close(err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Socket) handleFrame(msg []byte) error {
	switch msg[0] {
	case engineOpen:
		s.logger.Debug("Engine.IO open", slog.String("sid", gjson.GetBytes(msg[1:], "sid").String()))
		s.enqueue(Packet{Type: PacketConnect}.Encode())
	case enginePing:
		s.enqueue([]byte{enginePong})
	case engineClose:
		return ErrSocketClosed
	case enginePong, engineNoop:
	case engineMessage:
		p, err := DecodePacket(msg[1:])
		if err != nil {
			s.logger.Warn("Dropping malformed packet", slog.Any("error", err))
			return nil
		}
		s.handlePacket(p)
	default:
		s.logger.Debug("Ignoring unknown frame", slog.String("type", string(msg[0])))
	}
	return nil
}

func (s *Socket) handlePacket(p Packet) {
	switch p.Type {
	case PacketConnect:
		s.readyOnce.Do(func() { s.ready <- nil })
	case PacketConnectError:
		msg := gjson.GetBytes(p.Data, "message").String()
		s.readyOnce.Do(func() { s.ready <- fmt.Errorf("%w: %s", ErrConnectRefused, msg) })
	case PacketDisconnect:
		s.Close(ErrSocketClosed)
	case PacketAck:
		s.resolveAck(p)
	case PacketEvent:
		ev, err := ParseEvent(p)
		if err != nil {
			s.logger.Warn("Dropping malformed event", slog.Any("error", err))
			return
		}
		if s.onEvent != nil {
			s.onEvent(s.ctx, ev)
		}
	}
}

func (s *Socket) resolveAck(p Packet) {
	s.ackMu.Lock()
	ch, ok := s.acks[p.ID]
	delete(s.acks, p.ID)
	s.ackMu.Unlock()
	if !ok {
		s.logger.Debug("Ack for unknown id", slog.Int64("ackID", p.ID))
		return
	}
	var data json.RawMessage
	if res := gjson.GetBytes(p.Data, "0"); res.Exists() {
		data = json.RawMessage(res.Raw)
	}
	ch <- ackResult{data: data}
}

func (s *Socket) enqueue(message []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- message:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Emit sends an event and waits for its acknowledgement. The first ack
// argument is returned. A zero timeout relies on ctx alone.
func (s *Socket) Emit(ctx context.Context, timeout time.Duration, event string, args ...any) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	id := s.nextID.Add(1) - 1
	frame, err := EncodeEvent(id, event, args...)
	if err != nil {
		return nil, err
	}
	ch := make(chan ackResult, 1)
	s.ackMu.Lock()
	s.acks[id] = ch
	s.ackMu.Unlock()
	defer func() {
		s.ackMu.Lock()
		delete(s.acks, id)
		s.ackMu.Unlock()
	}()

	if !s.enqueue(frame) {
		return nil, ErrSocketClosed
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if msg, failed := ackFailure(res.data); failed {
			return res.data, &AckError{Event: event, Message: msg, Raw: res.data}
		}
		return res.data, nil
	case <-s.done:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: event '%s'", ErrAckTimeout, event)
		}
		return nil, ctx.Err()
	}
}

// ackFailure reports whether an acknowledgement payload carries an error field.
func ackFailure(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	e := gjson.GetBytes(data, "error")
	if !e.Exists() || e.Type == gjson.Null || (e.Type == gjson.False) {
		return "", false
	}
	if m := e.Get("message"); m.Exists() {
		return m.String(), true
	}
	if e.Type == gjson.String {
		return e.String(), true
	}
	return e.Raw, true
}

// Notify sends an event without requesting an acknowledgement.
func (s *Socket) Notify(event string, args ...any) error {
	frame, err := EncodeEvent(-1, event, args...)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		return ErrSocketClosed
	}
	return nil
}

// Close gracefully shuts down the socket and its resources.
func (s *Socket) Close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		status := websocket.CloseStatus(err)
		s.logger.Debug("Event channel closing", slog.Any("reason", err), slog.String("status", status.String()))

		// best effort namespace disconnect before tearing the socket down
		writeCtx, cancelWrite := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_ = s.conn.Write(writeCtx, websocket.MessageText, Packet{Type: PacketDisconnect}.Encode())
		cancelWrite()
		s.cancel() // Signal goroutines to stop.
		s.conn.Close(websocket.StatusNormalClosure, "")
		s.readyOnce.Do(func() { s.ready <- fmt.Errorf("%w: %v", ErrSocketClosed, err) })
		close(s.done)
		if s.onClose != nil {
			s.onClose(err)
		}
	})
}

// Done returns a channel that is closed when the socket is fully terminated.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the socket closed, if it has.
func (s *Socket) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

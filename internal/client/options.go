package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/a-essam23/tablelink/pkg/config"
	"github.com/a-essam23/tablelink/pkg/transport"
)

const (
	DefaultDispatchTimeout  = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultChannelTimeout   = 15 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 15
)

// Channel is an open event channel. *transport.Socket implements it.
type Channel interface {
	Emit(ctx context.Context, timeout time.Duration, event string, args ...any) (json.RawMessage, error)
	Notify(event string, args ...any) error
	Close(err error)
	Done() <-chan struct{}
}

// Dialer opens an event channel.
type Dialer func(ctx context.Context, cfg transport.DialConfig, onEvent transport.EventHandler, onClose transport.OnCloseHandler, logger *slog.Logger) (Channel, error)

// DialSocket is the Dialer backed by a real Socket.IO websocket.
func DialSocket(ctx context.Context, cfg transport.DialConfig, onEvent transport.EventHandler, onClose transport.OnCloseHandler, logger *slog.Logger) (Channel, error) {
	s, err := transport.Dial(ctx, cfg, onEvent, onClose, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Options struct {
	BaseURL       string
	AdminPassword string

	DispatchTimeout  time.Duration
	HandshakeTimeout time.Duration
	ChannelTimeout   time.Duration
	ProbeTimeout     time.Duration
	ReadTimeout      time.Duration

	// FailureThreshold consecutive dispatch failures force a disconnect.
	FailureThreshold int

	Dialer Dialer
	Now    func() time.Time
}

// OptionsFromConfig maps the daemon configuration onto connection options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:          cfg.Remote.URL,
		AdminPassword:    cfg.Remote.AdminPassword,
		DispatchTimeout:  cfg.Timeouts.Dispatch,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ChannelTimeout:   cfg.Timeouts.Channel,
		ProbeTimeout:     cfg.Timeouts.Probe,
		ReadTimeout:      cfg.Transport.ReadTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ChannelTimeout <= 0 {
		o.ChannelTimeout = DefaultChannelTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.Dialer == nil {
		o.Dialer = DialSocket
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/pkg/transport"
)

// ProbeWorldState discovers the running world without logging in. A guest
// event channel and the HTTP status endpoint are raced; the first usable
// world identity wins. Nothing usable within the probe timeout yields
// ErrDiscoveryFailed.
func (c *Connection) ProbeWorldState(ctx context.Context) (*handshake.Discovery, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	results := make(chan *handshake.Discovery, 2)
	strategies := []struct {
		name string
		run  func(context.Context) (*handshake.Discovery, error)
	}{
		{name: "channel", run: c.probeChannel},
		{name: "status", run: c.probeStatus},
	}
	for _, s := range strategies {
		go func() {
			d, err := s.run(ctx)
			if err != nil {
				c.logger.Debug("Probe strategy failed", slog.String("strategy", s.name), slog.Any("error", err))
			}
			results <- d
		}()
	}

	for pending := len(strategies); pending > 0; pending-- {
		select {
		case d := <-results:
			if d != nil && d.WorldID != "" {
				c.logger.Debug("World discovered", slog.String("world", d.WorldID), slog.String("source", d.Source))
				return d, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", handshake.ErrDiscoveryFailed, ctx.Err())
		}
	}
	return nil, handshake.ErrDiscoveryFailed
}

// probeChannel asks a throwaway guest channel for the join data.
func (c *Connection) probeChannel(ctx context.Context) (*handshake.Discovery, error) {
	guest, err := handshake.NewClient(c.http.BaseURL(), c.opts.HandshakeTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	page, err := guest.FetchJoin(ctx)
	if err != nil {
		return nil, err
	}
	if page.Setup {
		return nil, ErrSetupMode
	}
	cfg := transport.DialConfig{
		BaseURL:     guest.BaseURL(),
		SessionID:   guest.Jar().SessionID(),
		Cookie:      guest.Jar().Header(),
		ReadTimeout: c.opts.ReadTimeout,
	}
	ch, err := c.opts.Dialer(ctx, cfg, nil, nil, c.logger)
	if err != nil {
		return nil, err
	}
	defer ch.Close(nil)

	raw, err := ch.Emit(ctx, c.opts.ProbeTimeout, "getJoinData")
	if err != nil {
		return nil, err
	}
	d, err := handshake.ParseJoinData(raw)
	if err != nil {
		return nil, err
	}
	if len(d.Users) == 0 {
		d.Users = page.Users
	}
	return d, nil
}

func (c *Connection) probeStatus(ctx context.Context) (*handshake.Discovery, error) {
	st, err := c.http.FetchStatus(ctx)
	if err != nil {
		return nil, err
	}
	return st.Discovery(), nil
}

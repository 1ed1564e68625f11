package handshake

import (
	"context"
	"fmt"
	"net/http"

	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/tidwall/gjson"
)

// Discovery is a world identity learned without logging in.
type Discovery struct {
	WorldID       string
	Title         string
	SystemID      string
	SystemVersion string
	Active        bool
	Users         []state.UserSummary
	// Source names the strategy that produced it.
	Source string
}

// ServerStatus is the body of GET /api/status.
type ServerStatus struct {
	Active        bool   `json:"active"`
	Version       string `json:"version"`
	World         string `json:"world"`
	System        string `json:"system"`
	SystemVersion string `json:"systemVersion"`
	Users         int    `json:"users"`
}

func (s *ServerStatus) Discovery() *Discovery {
	if s == nil || s.World == "" {
		return nil
	}
	return &Discovery{
		WorldID:       s.World,
		SystemID:      s.System,
		SystemVersion: s.SystemVersion,
		Active:        s.Active,
		Source:        "status",
	}
}

// FetchStatus queries the unauthenticated status endpoint.
func (c *Client) FetchStatus(ctx context.Context) (*ServerStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, &HTTPError{Method: http.MethodGet, Path: "/api/status", Status: resp.status}
	}
	if !gjson.ValidBytes(resp.body) {
		return nil, fmt.Errorf("status endpoint returned invalid json")
	}
	root := gjson.ParseBytes(resp.body)
	return &ServerStatus{
		Active:        root.Get("active").Bool(),
		Version:       root.Get("version").String(),
		World:         root.Get("world").String(),
		System:        root.Get("system").String(),
		SystemVersion: root.Get("systemVersion").String(),
		Users:         int(root.Get("users").Int()),
	}, nil
}

// ParseJoinData reads the acknowledgement of the getJoinData event.
// Users listed in activeUsers are marked active.
func ParseJoinData(raw []byte) (*Discovery, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid join data", ErrDiscoveryFailed)
	}
	root := gjson.ParseBytes(raw)
	world := root.Get("world")
	d := &Discovery{
		WorldID:       firstString(world.Get("id"), world.Get("name")),
		Title:         world.Get("title").String(),
		SystemID:      firstString(world.Get("system"), root.Get("system.id")),
		SystemVersion: firstString(world.Get("systemVersion"), root.Get("system.version")),
		Active:        true,
		Users:         ParseUsers(root.Get("users")),
		Source:        "channel",
	}
	if d.WorldID == "" {
		return nil, fmt.Errorf("%w: join data carries no world", ErrDiscoveryFailed)
	}
	active := map[string]bool{}
	root.Get("activeUsers").ForEach(func(_, id gjson.Result) bool {
		active[id.String()] = true
		return true
	})
	for i := range d.Users {
		if active[d.Users[i].ID] {
			d.Users[i].Active = true
		}
	}
	return d, nil
}

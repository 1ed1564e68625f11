package client

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// LaunchWindow is how long after a launch signal the world counts as
// starting up and dispatch timeouts are forgiven.
const LaunchWindow = 60 * time.Second

type WorldState int

const (
	WorldOffline WorldState = iota
	WorldSetup
	WorldActive
)

func (s WorldState) String() string {
	switch s {
	case WorldOffline:
		return "offline"
	case WorldSetup:
		return "setup"
	case WorldActive:
		return "active"
	default:
		return fmt.Sprintf("WorldState(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid world state transition")

var transitions = map[WorldState][]WorldState{
	WorldOffline: {WorldSetup, WorldActive},
	WorldActive:  {WorldOffline, WorldSetup},
	WorldSetup:   {WorldActive},
}

// WorldFSM holds the remote world state. Only the transitions listed above
// are accepted; moving to the current state is a no-op.
type WorldFSM struct {
	mu    sync.Mutex
	state WorldState
}

func (f *WorldFSM) State() WorldState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *WorldFSM) Transition(to WorldState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == to {
		return nil
	}
	for _, allowed := range transitions[f.state] {
		if allowed == to {
			f.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, to)
}

// Reset forces the machine back to offline.
func (f *WorldFSM) Reset() {
	f.mu.Lock()
	f.state = WorldOffline
	f.mu.Unlock()
}

// Status is the externally visible connection status.
type Status string

const (
	StatusSetup        Status = "setup"
	StatusStartup      Status = "startup"
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusLoggedIn     Status = "loggedIn"
	StatusActive       Status = "active"
)

// StatusInput is everything the status is derived from.
type StatusInput struct {
	World           WorldState
	SocketConnected bool
	ExplicitSession bool
	UserID          string
	LastLaunch      time.Time
	Now             time.Time
}

// DeriveStatus computes the status. loggedIn requires an active world and
// an authenticated user id.
func DeriveStatus(in StatusInput) Status {
	switch in.World {
	case WorldSetup:
		return StatusSetup
	case WorldActive:
		if in.UserID != "" && (in.SocketConnected || in.ExplicitSession) {
			return StatusLoggedIn
		}
		return StatusActive
	default:
		if InLaunchWindow(in.LastLaunch, in.Now) {
			return StatusStartup
		}
		if in.SocketConnected {
			return StatusConnected
		}
		return StatusDisconnected
	}
}

func InLaunchWindow(lastLaunch, now time.Time) bool {
	return !lastLaunch.IsZero() && now.Sub(lastLaunch) < LaunchWindow
}

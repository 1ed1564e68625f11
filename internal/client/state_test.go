package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldFSM_Transitions(t *testing.T) {
	tests := []struct {
		from, to WorldState
		ok       bool
	}{
		{WorldOffline, WorldSetup, true},
		{WorldOffline, WorldActive, true},
		{WorldActive, WorldOffline, true},
		{WorldActive, WorldSetup, true},
		{WorldSetup, WorldActive, true},
		{WorldSetup, WorldOffline, false},
		{WorldSetup, WorldSetup, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			var fsm WorldFSM
			fsm.state = tt.from
			err := fsm.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, fsm.State())
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, tt.from, fsm.State())
		})
	}
}

func TestWorldFSM_Reset(t *testing.T) {
	var fsm WorldFSM
	require.NoError(t, fsm.Transition(WorldActive))
	require.NoError(t, fsm.Transition(WorldSetup))
	fsm.Reset()
	assert.Equal(t, WorldOffline, fsm.State())
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   StatusInput
		want Status
	}{
		{"setup wins", StatusInput{World: WorldSetup, SocketConnected: true, UserID: "u1"}, StatusSetup},
		{"launch 10s ago", StatusInput{World: WorldOffline, LastLaunch: now.Add(-10 * time.Second)}, StatusStartup},
		{"launch 61s ago", StatusInput{World: WorldOffline, LastLaunch: now.Add(-61 * time.Second)}, StatusDisconnected},
		{"offline with socket", StatusInput{World: WorldOffline, SocketConnected: true}, StatusConnected},
		{"offline", StatusInput{World: WorldOffline}, StatusDisconnected},
		{"active guest", StatusInput{World: WorldActive, SocketConnected: true}, StatusActive},
		{"active user", StatusInput{World: WorldActive, SocketConnected: true, UserID: "u1"}, StatusLoggedIn},
		{"explicit session", StatusInput{World: WorldActive, ExplicitSession: true, UserID: "u1"}, StatusLoggedIn},
		{"user without socket", StatusInput{World: WorldActive, UserID: "u1"}, StatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Now = now
			assert.Equal(t, tt.want, DeriveStatus(tt.in))
		})
	}
}

func TestInLaunchWindow(t *testing.T) {
	now := time.Now()
	assert.False(t, InLaunchWindow(time.Time{}, now))
	assert.True(t, InLaunchWindow(now.Add(-59*time.Second), now))
	assert.False(t, InLaunchWindow(now.Add(-LaunchWindow), now))
}

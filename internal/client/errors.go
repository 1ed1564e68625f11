package client

import "errors"

var (
	ErrNotConnected = errors.New("not connected")
	// ErrCircuitOpen is returned once repeated dispatch failures forced a disconnect.
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrSessionInvalid = errors.New("session invalid")
	ErrSetupMode      = errors.New("world is in setup mode")
	ErrNotFound       = errors.New("document not found")
	ErrForbidden      = errors.New("operation not permitted for this user")
	ErrNotLoggedIn    = errors.New("not logged in")
)

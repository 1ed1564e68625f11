package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryFailed means no strategy produced a world identity.
	ErrDiscoveryFailed = errors.New("world discovery failed")
	ErrNoGameData      = errors.New("no game data block found")
	ErrUnknownUser     = errors.New("user not found on join page")
)

// HTTPError is a non-success response from a handshake endpoint.
type HTTPError struct {
	Method string
	Path   string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.Status)
}

// AuthError is a rejected login. Body is truncated.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("login rejected with status %d", e.Status)
	}
	return fmt.Sprintf("login rejected with status %d: %s", e.Status, e.Body)
}

const maxErrorBody = 200

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}

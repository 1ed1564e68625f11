package state

import "time"

// UserSummary is the presence-level view of one remote user.
type UserSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	Active      bool   `json:"active"`
	Color       string `json:"color,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
}

// WorldSnapshot is an immutable description of one game world.
type WorldSnapshot struct {
	WorldID       string        `json:"worldId"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	SystemID      string        `json:"systemId"`
	SystemVersion string        `json:"systemVersion"`
	BackgroundURL string        `json:"backgroundUrl,omitempty"`
	Users         []UserSummary `json:"users"`
	LastUpdated   time.Time     `json:"lastUpdated"`
}

// Trusted reports whether the snapshot may be used as the current world.
// A snapshot without users was captured from a half-loaded world.
func (w *WorldSnapshot) Trusted() bool {
	return w != nil && w.WorldID != "" && len(w.Users) > 0
}

// SystemInfo identifies the game system a world runs.
type SystemInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// PackInfo describes a compendium pack advertised by the world.
type PackInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

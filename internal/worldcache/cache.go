// Package worldcache persists snapshots of discovered worlds so they can
// stand in for the live server while it is unreachable.
package worldcache

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/a-essam23/tablelink/internal/storage"
	"github.com/a-essam23/tablelink/pkg/state"
)

// ErrLoadFailed means the cache file exists but could not be read.
var ErrLoadFailed = errors.New("world cache load failed")

// File is the on-disk layout.
type File struct {
	Worlds         map[string]state.WorldSnapshot `json:"worlds"`
	CurrentWorldID string                         `json:"currentWorldId,omitempty"`
}

type Cache struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data File

	saveMu sync.Mutex
}

func New(path string, logger *slog.Logger) *Cache {
	return &Cache{
		path:   path,
		logger: logger.With(slog.String("component", "world_cache")),
		data:   File{Worlds: map[string]state.WorldSnapshot{}},
	}
}

func (c *Cache) Path() string { return c.path }

// Initialize loads the file. A missing file leaves the cache empty; an
// unreadable one returns ErrLoadFailed and leaves memory untouched.
func (c *Cache) Initialize() error {
	f, err := c.read()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.data = f
	c.mu.Unlock()
	c.logger.Info("World cache loaded", slog.Int("worlds", len(f.Worlds)), slog.String("current", f.CurrentWorldID))
	return nil
}

func (c *Cache) read() (File, error) {
	var f File
	found, err := storage.ReadJSON(c.path, &f)
	if err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	if !found {
		return File{Worlds: map[string]state.WorldSnapshot{}}, nil
	}
	if f.Worlds == nil {
		f.Worlds = map[string]state.WorldSnapshot{}
	}
	return f, nil
}

// Reset empties the in-memory cache. The file is left alone.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.data = File{Worlds: map[string]state.WorldSnapshot{}}
	c.mu.Unlock()
}

// Put stores a snapshot, optionally marking it as the current world.
func (c *Cache) Put(snap state.WorldSnapshot, current bool) {
	if snap.WorldID == "" {
		return
	}
	snap.Users = slices.Clone(snap.Users)
	c.mu.Lock()
	c.data.Worlds[snap.WorldID] = snap
	if current {
		c.data.CurrentWorldID = snap.WorldID
	}
	c.mu.Unlock()
}

func (c *Cache) Get(worldID string) (state.WorldSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.data.Worlds[worldID]
	if ok {
		snap.Users = slices.Clone(snap.Users)
	}
	return snap, ok
}

// Current returns the current world, unless its snapshot has no users.
func (c *Cache) Current() (state.WorldSnapshot, bool) {
	c.mu.RLock()
	id := c.data.CurrentWorldID
	c.mu.RUnlock()
	if id == "" {
		return state.WorldSnapshot{}, false
	}
	snap, ok := c.Get(id)
	if !ok || !snap.Trusted() {
		return state.WorldSnapshot{}, false
	}
	return snap, true
}

// Worlds lists every cached snapshot ordered by id.
func (c *Cache) Worlds() []state.WorldSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(c.data.Worlds))
	out := make([]state.WorldSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.data.Worlds[id])
	}
	return out
}

// Save writes the cache atomically. Concurrent saves are serialised.
func (c *Cache) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	snapshot := File{Worlds: maps.Clone(c.data.Worlds), CurrentWorldID: c.data.CurrentWorldID}
	c.mu.RUnlock()

	if err := storage.WriteJSON(c.path, snapshot); err != nil {
		return fmt.Errorf("failed to save world cache: %w", err)
	}
	c.logger.Debug("World cache saved", slog.Int("worlds", len(snapshot.Worlds)))
	return nil
}

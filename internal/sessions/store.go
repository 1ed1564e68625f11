package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/internal/storage"
)

var ErrLoadFailed = errors.New("failed to load session file")

// Record is what survives a restart for one session.
type Record struct {
	Username  string    `json:"username"`
	UserID    string    `json:"userId"`
	Cookie    string    `json:"cookie"`
	WorldID   string    `json:"worldId"`
	LastSaved time.Time `json:"lastSaved"`
}

// Store is the session file. Every mutation rewrites the file under one
// lock so concurrent saves serialize.
type Store struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	records map[string]Record
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.With(slog.String("component", "session_store")),
		records: make(map[string]Record),
	}
}

// Load replaces the in-memory records with the file contents. A missing
// file is an empty store; an unreadable one is ErrLoadFailed and leaves
// memory untouched.
func (s *Store) Load() error {
	records := make(map[string]Record)
	found, err := storage.ReadJSON(s.path, &records)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	s.logger.Debug("Session file loaded", slog.Bool("found", found), slog.Int("records", len(records)))
	return nil
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Put stores rec under id, stamping LastSaved, and writes the file.
func (s *Store) Put(id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LastSaved = time.Now().UTC()
	s.records[id] = rec
	return s.flush()
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.flush()
}

func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.records))
}

// flush requires s.mu.
func (s *Store) flush() error {
	if err := storage.WriteJSON(s.path, s.records); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

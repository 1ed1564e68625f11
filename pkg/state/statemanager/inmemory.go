package statemanager

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/a-essam23/tablelink/pkg/state"
)

type InMemoryRoster struct {
	users map[string]*state.UserSummary
	mu    sync.RWMutex

	watchers  map[int]state.WatchFunc
	nextWatch int
	watchMu   sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryRoster(logger *slog.Logger) *InMemoryRoster {
	return &InMemoryRoster{
		users:    make(map[string]*state.UserSummary),
		watchers: make(map[int]state.WatchFunc),
		logger:   logger.With(slog.String("component", "roster_inmemory")),
	}
}

// compile-time check to ensure InMemoryRoster implements Roster.
var _ state.Roster = (*InMemoryRoster)(nil)

func (m *InMemoryRoster) Replace(users []state.UserSummary) {
	m.mu.Lock()
	m.users = make(map[string]*state.UserSummary, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		cp := u
		m.users[u.ID] = &cp
	}
	m.mu.Unlock()

	m.logger.Debug("Roster replaced", slog.Int("count", len(users)))
	for _, u := range users {
		m.notify(state.ChangeUpsert, u)
	}
}

func (m *InMemoryRoster) Merge(users []state.UserSummary) {
	merged := make([]state.UserSummary, 0, len(users))
	m.mu.Lock()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		existing, ok := m.users[u.ID]
		cp := u
		if ok {
			// presence comes from live events, details from the fetch
			cp.Active = existing.Active
		}
		m.users[u.ID] = &cp
		merged = append(merged, cp)
	}
	m.mu.Unlock()

	for _, u := range merged {
		m.notify(state.ChangeUpsert, u)
	}
}

func (m *InMemoryRoster) Update(userID string, fn func(u *state.UserSummary)) (state.UserSummary, bool) {
	m.mu.Lock()
	user, known := m.users[userID]
	if !known {
		user = &state.UserSummary{ID: userID}
		m.users[userID] = user
	}
	fn(user)
	user.ID = userID
	result := *user
	m.mu.Unlock()

	m.notify(state.ChangeUpsert, result)
	return result, known
}

func (m *InMemoryRoster) SetActive(userID string, active bool) bool {
	m.mu.Lock()
	user, known := m.users[userID]
	if !known {
		user = &state.UserSummary{ID: userID}
		m.users[userID] = user
	}
	user.Active = active
	result := *user
	m.mu.Unlock()

	m.logger.Debug("Presence updated", slog.String("userID", userID), slog.Bool("active", active), slog.Bool("known", known))
	m.notify(state.ChangePresence, result)
	return known
}

func (m *InMemoryRoster) Remove(userID string) bool {
	m.mu.Lock()
	user, ok := m.users[userID]
	if ok {
		delete(m.users, userID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.notify(state.ChangeRemove, *user)
	return true
}

func (m *InMemoryRoster) Get(userID string) (state.UserSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return state.UserSummary{}, false
	}
	return *user, true
}

// FindByName matches exactly first, then case-insensitively.
func (m *InMemoryRoster) FindByName(name string) (state.UserSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var folded *state.UserSummary
	for _, u := range m.users {
		if u.Name == name {
			return *u, true
		}
		if folded == nil && strings.EqualFold(u.Name, name) {
			folded = u
		}
	}
	if folded != nil {
		return *folded, true
	}
	return state.UserSummary{}, false
}

// All returns a copy of every user, ordered by name then id.
func (m *InMemoryRoster) All() []state.UserSummary {
	m.mu.RLock()
	users := make([]state.UserSummary, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u)
	}
	m.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users
}

func (m *InMemoryRoster) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func (m *InMemoryRoster) Watch(fn state.WatchFunc) func() {
	m.watchMu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

func (m *InMemoryRoster) notify(kind state.ChangeKind, user state.UserSummary) {
	m.watchMu.RLock()
	fns := make([]state.WatchFunc, 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.RUnlock()

	for _, fn := range fns {
		fn(kind, user)
	}
}

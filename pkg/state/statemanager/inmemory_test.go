package statemanager_test

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/a-essam23/tablelink/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRoster() *statemanager.InMemoryRoster {
	return statemanager.NewInMemoryRoster(newTestLogger())
}

func seedUsers() []state.UserSummary {
	return []state.UserSummary{
		{ID: "u-gm", Name: "gm", Role: state.RoleGamemaster},
		{ID: "u-alice", Name: "alice", Role: state.RolePlayer},
		{ID: "u-bob", Name: "bob", Role: state.RolePlayer},
	}
}

// --- Roster Lifecycle Tests ---

func TestReplaceAndLookup(t *testing.T) {
	m := newTestRoster()
	m.Replace(seedUsers())

	if m.Len() != 3 {
		t.Fatalf("Expected 3 users, got %d", m.Len())
	}
	alice, found := m.Get("u-alice")
	if !found {
		t.Fatal("Get failed to find seeded user")
	}
	if alice.Name != "alice" {
		t.Errorf("Expected name alice, got %s", alice.Name)
	}

	byName, found := m.FindByName("ALICE")
	if !found || byName.ID != "u-alice" {
		t.Errorf("FindByName should match case-insensitively, got %+v (found=%v)", byName, found)
	}

	all := m.All()
	if all[0].Name != "alice" || all[2].Name != "gm" {
		t.Errorf("All should be ordered by name, got %v", all)
	}
}

func TestPresenceLastWriteWins(t *testing.T) {
	m := newTestRoster()
	m.Replace(seedUsers())

	if known := m.SetActive("u-alice", true); !known {
		t.Fatal("Expected alice to be known")
	}
	m.SetActive("u-alice", false)
	m.SetActive("u-alice", true)

	alice, _ := m.Get("u-alice")
	if !alice.Active {
		t.Error("Expected the last presence event to win")
	}
	bob, _ := m.Get("u-bob")
	if bob.Active {
		t.Error("Presence of one user leaked into another")
	}
}

func TestSetActiveUnknownStoresPlaceholder(t *testing.T) {
	m := newTestRoster()

	if known := m.SetActive("u-ghost", true); known {
		t.Fatal("Expected unknown user to be reported as unknown")
	}
	ghost, found := m.Get("u-ghost")
	if !found || !ghost.Active || ghost.Name != "" {
		t.Errorf("Expected an active placeholder, got %+v", ghost)
	}

	// enrichment keeps the presence flag
	m.Merge([]state.UserSummary{{ID: "u-ghost", Name: "ghost", Role: state.RolePlayer}})
	ghost, _ = m.Get("u-ghost")
	if ghost.Name != "ghost" || !ghost.Active {
		t.Errorf("Merge should fill details and keep presence, got %+v", ghost)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	m := newTestRoster()
	m.Replace(seedUsers())

	updated, known := m.Update("u-bob", func(u *state.UserSummary) { u.Color = "#00ff00" })
	if !known || updated.Color != "#00ff00" || updated.Name != "bob" {
		t.Errorf("Update should merge into the existing user, got %+v", updated)
	}

	if !m.Remove("u-bob") {
		t.Fatal("Remove failed for a known user")
	}
	if m.Remove("u-bob") {
		t.Error("Remove should report false for an already removed user")
	}
	if _, found := m.Get("u-bob"); found {
		t.Error("Found user after it should have been removed")
	}
}

func TestWatchReceivesChanges(t *testing.T) {
	m := newTestRoster()
	m.Replace(seedUsers())

	var got []state.ChangeKind
	stop := m.Watch(func(kind state.ChangeKind, user state.UserSummary) {
		if user.ID == "u-alice" {
			got = append(got, kind)
		}
	})
	m.SetActive("u-alice", true)
	m.Remove("u-alice")
	stop()
	m.SetActive("u-alice", true)

	if len(got) != 2 || got[0] != state.ChangePresence || got[1] != state.ChangeRemove {
		t.Errorf("Unexpected watch notifications: %v", got)
	}
}

func TestRoster_Concurrency(t *testing.T) {
	m := newTestRoster()
	m.Replace(seedUsers())
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			m.SetActive(userID, i%2 == 0)
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Get("user" + strconv.Itoa(i%10))
			m.All()
		}(i)
	}

	wg.Wait()
	if m.Len() != 13 {
		t.Errorf("Expected 13 users after concurrent updates, got %d", m.Len())
	}
}

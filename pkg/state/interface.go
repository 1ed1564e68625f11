package state

// ChangeKind describes what happened to a roster entry.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangePresence
	ChangeRemove
)

// WatchFunc observes roster changes. It runs synchronously on the goroutine
// applying the change and must not block.
type WatchFunc func(kind ChangeKind, user UserSummary)

// Roster is the live user map of one world.
type Roster interface {
	// Replace swaps in an authoritative user list.
	Replace(users []UserSummary)
	// Merge folds a fetched user list in, keeping presence flags of known users.
	Merge(users []UserSummary)
	// Update applies fn to the user, creating an entry with only the id when
	// the user is unknown. It reports whether the user was already known.
	Update(userID string, fn func(u *UserSummary)) (UserSummary, bool)
	// SetActive records a presence change. It returns false when the user was
	// unknown; a placeholder carrying only id and flag is stored in that case.
	SetActive(userID string, active bool) bool
	Remove(userID string) bool

	Get(userID string) (UserSummary, bool)
	FindByName(name string) (UserSummary, bool)
	All() []UserSummary
	Len() int

	// Watch registers fn and returns a function removing it.
	Watch(fn WatchFunc) func()
}

package state

// Role is the remote server's user role ordinal.
type Role int

const (
	RoleNone Role = iota
	RolePlayer
	RoleTrusted
	RoleAssistant
	RoleGamemaster
)

// Elevated roles see and edit every document.
func (r Role) Elevated() bool {
	return r >= RoleAssistant
}

// OwnershipLevel is a document permission level granted to a user.
type OwnershipLevel int

const (
	OwnershipNone OwnershipLevel = iota
	OwnershipLimited
	OwnershipObserver
	OwnershipOwner
)

func (o OwnershipLevel) Has(min OwnershipLevel) bool {
	return o >= min
}

package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalidUUID = errors.New("invalid document uuid")

type Scope int

const (
	ScopeWorld Scope = iota
	ScopeEmbedded
	ScopeCompendium
)

// Reference is a parsed document address.
type Reference struct {
	Scope  Scope
	Type   string
	ID     string
	Parent *ParentRef
	Pack   string
}

// ParseUUID understands Compendium.<pack>.<Type>.<id>, <Type>.<id> and
// <ParentType>.<parentId>.<Type>.<id>. Pack ids may themselves contain dots.
func ParseUUID(uuid string) (Reference, error) {
	parts := strings.Split(uuid, ".")
	for _, p := range parts {
		if p == "" {
			return Reference{}, fmt.Errorf("%w: '%s'", ErrInvalidUUID, uuid)
		}
	}

	var ref Reference
	switch {
	case parts[0] == "Compendium":
		if len(parts) < 4 {
			return Reference{}, fmt.Errorf("%w: '%s' has no pack or id", ErrInvalidUUID, uuid)
		}
		n := len(parts)
		ref = Reference{
			Scope: ScopeCompendium,
			Pack:  strings.Join(parts[1:n-2], "."),
			Type:  parts[n-2],
			ID:    parts[n-1],
		}
	case len(parts) == 2:
		ref = Reference{Scope: ScopeWorld, Type: parts[0], ID: parts[1]}
	case len(parts) == 4:
		if !isTypeName(parts[0]) {
			return Reference{}, fmt.Errorf("%w: '%s' has a bad parent type", ErrInvalidUUID, uuid)
		}
		ref = Reference{
			Scope:  ScopeEmbedded,
			Parent: &ParentRef{Type: parts[0], ID: parts[1]},
			Type:   parts[2],
			ID:     parts[3],
		}
	default:
		return Reference{}, fmt.Errorf("%w: '%s'", ErrInvalidUUID, uuid)
	}
	if !isTypeName(ref.Type) {
		return Reference{}, fmt.Errorf("%w: '%s' has a bad document type", ErrInvalidUUID, uuid)
	}
	return ref, nil
}

// document types are capitalised class names
func isTypeName(s string) bool {
	for i, r := range s {
		if i == 0 && !unicode.IsUpper(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func (r Reference) String() string {
	switch r.Scope {
	case ScopeCompendium:
		return "Compendium." + r.Pack + "." + r.Type + "." + r.ID
	case ScopeEmbedded:
		return r.Parent.String() + "." + r.Type + "." + r.ID
	default:
		return r.Type + "." + r.ID
	}
}

// Request returns the get request that loads the referenced document.
func (r Reference) Request() Request {
	req := Get(r.Type, map[string]any{"_id": r.ID})
	req.Parent = r.Parent
	req.Pack = r.Pack
	return req
}

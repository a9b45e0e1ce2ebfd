// Package trace provides hierarchical trace identifiers and the call
// instrumentation used by LogLens agents.
package trace

import "github.com/google/uuid"

// ID is an immutable hierarchical correlation token. Token stays constant
// across one call tree while Level tracks call depth, starting at 1 for the
// root. Transitions always produce new values.
type ID struct {
	Token string `json:"token"`
	Level int    `json:"level"`
}

// New creates a root identifier with a random token and level 1.
func New() ID {
	return ID{Token: uuid.NewString(), Level: 1}
}

// Next returns the identifier one call level deeper.
func (t ID) Next() ID {
	return ID{Token: t.Token, Level: t.Level + 1}
}

// Prev returns the identifier one call level shallower, clamped at the root.
func (t ID) Prev() ID {
	if t.Level <= 1 {
		return ID{Token: t.Token, Level: 1}
	}
	return ID{Token: t.Token, Level: t.Level - 1}
}

// IsRoot reports whether the identifier sits at the entry point of a call tree.
func (t ID) IsRoot() bool {
	return t.Level == 1
}

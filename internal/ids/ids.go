// Package ids provides the 128-bit opaque identifiers used throughout the
// data model (documents, chunks, entities, relations, query logs).
package ids

import "github.com/google/uuid"

// ID is a 128-bit opaque identifier, rendered as a canonical UUID string at
// every boundary (storage, JSON, logs).
type ID string

// New returns a fresh random ID.
func New() ID {
	return ID(uuid.NewString())
}

// Empty reports whether id has not been assigned a value.
func (id ID) Empty() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// Parse validates that s is a well-formed ID and returns it typed.
func Parse(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return ID(s), nil
}

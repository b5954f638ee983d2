package reactorreg

import "github.com/google/uuid"

// ID is a process-unique 128-bit reactor identifier, never reused.
type ID [16]byte

// NewID generates a fresh ID. Collisions are astronomically unlikely
// (UUIDv4) and the spec only requires process-uniqueness, not global
// uniqueness across hosts.
func NewID() ID {
	var id ID
	copy(id[:], uuid.New()[:])
	return id
}

// String renders the ID in canonical UUID form for logging.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Zero reports whether this is the unset ID value.
func (id ID) Zero() bool {
	return id == ID{}
}

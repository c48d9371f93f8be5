// Package ids generates the identifiers used for chat entities: random UUIDs
// for users and channels, and time-ordered snowflakes for messages.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// UUIDSize is the wire size of a UUID
const UUIDSize = 16

// NewUUID returns a random (version 4) UUID
func NewUUID() (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid: %w", err)
	}
	return id, nil
}

// ContainsUUID reports whether id is present in list
func ContainsUUID(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// RemoveUUID returns list without any occurrence of id, and whether anything was removed.
// The input slice is not modified.
func RemoveUUID(list []uuid.UUID, id uuid.UUID) ([]uuid.UUID, bool) {
	out := make([]uuid.UUID, 0, len(list))
	removed := false
	for _, v := range list {
		if v == id {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}

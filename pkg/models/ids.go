package models

import (
	"github.com/google/uuid"
)

// NewID returns a prefixed, time-ordered identifier. UUIDv7 strings sort
// lexicographically in creation order, so ids double as pagination cursors.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}

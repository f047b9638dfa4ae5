package utils

import (
	"github.com/google/uuid"
)

// NewID returns a random unique identifier.
func NewID() string {
	return uuid.NewString()
}

// NewTempID returns a temporary message id. The prefix keeps it apart from
// server-assigned ids in logs and lookups.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return len(id) > 4 && id[:4] == "tmp-"
}

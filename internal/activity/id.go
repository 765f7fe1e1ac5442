package activity

import (
	"strings"

	"github.com/google/uuid"
)

// TemporaryIDPrefix marks identifiers minted locally for optimistic records.
const TemporaryIDPrefix = "tmp-"

// RecordID identifies an activity record.
type RecordID string

// NewTemporaryID issues a locally unique identifier that never collides with server ids.
func NewTemporaryID() (RecordID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return RecordID(TemporaryIDPrefix + value.String()), nil
}

// IsTemporary reports whether the identifier was minted locally.
func (id RecordID) IsTemporary() bool {
	return strings.HasPrefix(string(id), TemporaryIDPrefix)
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}

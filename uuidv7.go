package rewind

import "github.com/google/uuid"

// newInstanceID generates a time-ordered (UUIDv7) instance identifier so
// storage scans over recent instances stay roughly sequential.
func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

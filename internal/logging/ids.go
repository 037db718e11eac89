package logging

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GenerateRunID generates a UUID v4 identifying one helper run.
func GenerateRunID() string {
	return uuid.New().String()
}

// NewRequestID returns a lexically sortable correlation ID for one
// authorization request.
func NewRequestID() string {
	return ulid.Make().String()
}

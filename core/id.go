package core

import "github.com/google/uuid"

// NewID returns a random identifier for invocations and synthesized call ids.
func NewID() string {
	return uuid.NewString()
}

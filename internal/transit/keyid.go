package transit

import "github.com/google/uuid"

// newUserKeyID generates a new opaque user key identifier. A user has
// exactly one active key; versions are monotone within the transit service
// itself, so the Go side only needs a fresh, unique handle.
func newUserKeyID() string {
	return "user-" + uuid.NewString()
}

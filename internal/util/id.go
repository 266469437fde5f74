package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string. Book, highlight and request ids all
// come from here.
func NewID() string {
	return uuid.NewString()
}

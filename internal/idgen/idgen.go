// Package idgen generates opaque identifiers for instances, containers,
// images, and events when the caller does not supply its own.
package idgen

import "github.com/google/uuid"

// New returns a fresh random identifier string.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a fresh identifier string with a human-readable
// prefix, e.g. NewPrefixed("inst") -> "inst_3b1b1f2e...".
func NewPrefixed(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

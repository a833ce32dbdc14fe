// Package idgen produces short opaque identifiers for media records.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// IDLength is the number of hex characters in an identifier.
const IDLength = 12

// Generator hands out new identifiers. Implementations must be safe for
// concurrent use.
type Generator interface {
	NewID() string
}

// UUIDGenerator takes the first 48 random bits of a version 4 UUID.
type UUIDGenerator struct{}

// NewID returns a 12 character lowercase hex identifier.
func (UUIDGenerator) NewID() string {
	u := uuid.New()
	// bytes 0..5 of a v4 UUID carry no version or variant bits
	return hex.EncodeToString(u[:IDLength/2])
}

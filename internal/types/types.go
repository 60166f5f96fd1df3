// README: Shared value types used across modules.
package types

import (
	"crypto/rand"
	"encoding/hex"
)

// ID is an opaque 24-character hex identifier.
type ID string

type Point struct {
	Lat float64
	Lng float64
}

// NewID returns a random 24-character hex identifier.
func NewID() ID {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return ID(hex.EncodeToString(b[:]))
}

// Valid reports whether v looks like an identifier we issued.
func (v ID) Valid() bool {
	if len(v) != 24 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// Package hexid generates short random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Request returns a correlation id for a request/response round trip,
// prefixed with kind (e.g. "dialog-1f2e3d4c").
func Request(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return New()
	}
	return kind + "-" + New()
}

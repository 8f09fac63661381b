// Package idgen generates stable opaque identifiers for memories,
// connections, feedback records and sessions.
//
// Generalizes the inline generateID() helpers GoKitt scattered across
// pkg/chat/service.go and pkg/memory/extractor.go into one shared routine,
// upgraded from hex to the spec's 128-bit random / URL-safe base32 encoding.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
)

// encoding is URL-safe base32 (RFC 4648) without padding, matching spec.md's
// "128-bit random identifier, rendered as URL-safe base32".
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a fresh 128-bit random identifier.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// there is no sane recovery, so panic rather than hand out a weak id.
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return encoding.EncodeToString(b)
}

// Memory generates an identifier for a new Memory.
func Memory() string { return New() }

// Connection generates an identifier for a new Connection.
func Connection() string { return New() }

// Feedback generates an identifier for a new feedback record.
func Feedback() string { return New() }

// Session generates an identifier for a new retrieval/chat session.
func Session() string { return New() }

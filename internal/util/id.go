package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofrs/uuid/v5"
)

// NewID returns a random UUID v4 string. Document, revision and domain ids all use it.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}

// NewToken returns an opaque random token, optionally prefixed.
func NewToken(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// IsUUID reports whether value parses as a UUID in its canonical or hyphen-less form.
func IsUUID(value string) bool {
	_, err := uuid.FromString(value)
	return err == nil
}

// Package canonicalize produces RFC 8785 (JCS) canonical JSON and digests.
// Canonical bytes make result comparison and input hashing independent of
// key order and number formatting.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the canonical JSON encoding of v.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes v and returns its hex SHA-256.
func Hash(v any) (string, error) {
	canonical, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// Equal reports whether two JSON-shaped values are canonically identical.
func Equal(a, b any) bool {
	ca, err := JCS(a)
	if err != nil {
		return false
	}
	cb, err := JCS(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

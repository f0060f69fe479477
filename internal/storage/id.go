package storage

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	// SHA1ReadBlockSize is the size of random bytes mixed into ID generation.
	SHA1ReadBlockSize = 4096
	// SHA1Short is the short display length used in CLI output.
	SHA1Short = 7
)

// SHA1Regexp matches a full 40-char SHA-1 hex string.
var SHA1Regexp = regexp.MustCompile(`\b[0-9a-f]{40}\b`)

// NewPendingID generates an identifier for a suspended tool round.
//
// This is not used for cryptographic security; it is used as an identifier.
func NewPendingID() string {
	b := make([]byte, SHA1ReadBlockSize)
	_, _ = rand.Read(b)
	//nolint:gosec // identifier generation; not used for cryptographic security.
	return fmt.Sprintf("%x", sha1.Sum(b))
}

// Fingerprint hashes v's canonical JSON encoding. Values that marshal to the
// same bytes share a fingerprint, which makes it usable as a cache key for
// connection configurations.
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = fmt.Appendf(nil, "%+v", v)
	}
	//nolint:gosec // fingerprinting; not used for cryptographic security.
	return fmt.Sprintf("%x", sha1.Sum(b))
}

// Package offlinecache holds the primitives shared by the gateway packages:
// BLAKE3 digests and the request keys cache entries are stored under.
package offlinecache

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Dir returns the first two characters of the hex-encoded hash,
// used for sharding snapshot files into subdirectories.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// RequestKey returns the cache key for a request URL.
// Scheme and host are case-folded and the fragment is dropped; the query is
// kept because it selects different content.
func RequestKey(u *url.URL) string {
	k := *u
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(k.Host)
	k.Fragment = ""
	k.RawFragment = ""
	if k.Path == "" {
		k.Path = "/"
	}
	return k.String()
}

// KeyHash returns the digest used to address the stored snapshot for a key.
func KeyHash(key string) Hash {
	return HashBytes([]byte(key))
}

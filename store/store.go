// Package store persists named cache generations. Each generation maps request
// keys to response snapshots; the index lives in bbolt and the framed snapshot
// bodies live in a backend under generations/<name>/.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a generation or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for generation names that cannot be stored.
	ErrInvalidName = errors.New("invalid generation name")
)

// Bucket names for bbolt storage.
var (
	// generations -> <name> -> {created_at, entries -> requestKey -> entry JSON}
	bucketGenerations = []byte("generations")
	bucketEntries     = []byte("entries")
	keyCreatedAt      = []byte("created_at")
)

// blobPrefix is the backend prefix for snapshot files.
const blobPrefix = "generations"

// GenerationInfo summarises one stored generation.
type GenerationInfo struct {
	Name      string    `json:"name"`
	Entries   int       `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// entry is the index record kept in bbolt for one snapshot.
type entry struct {
	URL         string    `json:"url"`
	BlobKey     string    `json:"blob_key"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	StoredAt    time.Time `json:"stored_at"`
}

// ValidateName rejects generation names that would escape their backend prefix.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func generationPrefix(name string) string {
	return blobPrefix + "/" + name
}

func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())) //nolint:gosec // creation times are after 1970
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC() //nolint:gosec // round trip of encodeTimestamp
}

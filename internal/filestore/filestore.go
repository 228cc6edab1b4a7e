package filestore

import (
	"context"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blake2b"
)

// FileStore keeps uploaded file content addressed by its hash.
type FileStore interface {
	// Store saves data and returns its content id. Storing the same bytes twice
	// returns the same id and writes nothing the second time.
	Store(ctx context.Context, data []byte) (string, error)

	// Get retrieves the content stored under id.
	Get(id string) (io.ReadCloser, error)
}

// Hash returns the content id of data: the hex encoded blake2b-256 digest.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidID reports whether id looks like a content id produced by Hash.
func ValidID(id string) bool {
	if len(id) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

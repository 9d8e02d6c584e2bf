package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidKey is returned for keys that could escape the store namespace.
var ErrInvalidKey = errors.New("invalid blob key")

// NewName returns a collision-resistant stored name that keeps ext
// (e.g. ".epub"). The client-supplied filename never reaches the store.
func NewName(ext string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ToLower(ext)
}

// ValidateKey rejects empty keys, path separators and dot entries.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, os.PathSeparator) {
		return ErrInvalidKey
	}
	if filepath.Base(key) != key || strings.HasPrefix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

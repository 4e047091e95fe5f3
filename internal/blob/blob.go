// Package blob stores archived task artifacts by key and addresses them by URL.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
	ErrForeignURL = errors.New("url does not belong to this store")
)

// Store is durable object storage. URLs returned by Put are the canonical
// references persisted in task rows; Get and Delete accept them back.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	// Delete reports whether an object was removed. A missing object is not an error.
	Delete(ctx context.Context, url string) (bool, error)
	URL(key string) string
	Key(url string) (string, error)
}

// CleanKey rejects keys that would escape the store's namespace.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

func keyFromURL(prefix, url string) (string, error) {
	prefix = strings.TrimRight(prefix, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, url)
	}
	return CleanKey(strings.TrimPrefix(url, prefix))
}

package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored file.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// Store persists uploaded media and recorded answers.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (Object, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// CleanKey normalises a key into a relative slash path without traversal.
func CleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = path.Clean("/" + key)
	return strings.TrimLeft(key, "/")
}

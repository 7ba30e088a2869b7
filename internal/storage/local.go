package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects under a directory served by the HTTP router.
type LocalStore struct {
	dir        string
	publicPath string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir, publicPath string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, publicPath: "/" + strings.Trim(publicPath, "/")}, nil
}

// Put writes r to key, replacing any existing file.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader) (Object, error) {
	key = CleanKey(key)
	if key == "" {
		return Object{}, errors.New("empty object key")
	}
	dest := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return Object{}, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Object{}, fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Object{}, fmt.Errorf("commit file: %w", err)
	}

	return Object{Key: key, URL: s.URL(key), ContentType: contentType, Size: n}, nil
}

// Delete removes key. Missing files report ErrNotFound.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	key = CleanKey(key)
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// URL returns the path the router serves key from.
func (s *LocalStore) URL(key string) string {
	return s.publicPath + "/" + CleanKey(key)
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

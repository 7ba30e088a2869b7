package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	assert.Equal(t, "answers/a.webm", CleanKey("/answers/a.webm"))
	assert.Equal(t, "etc/passwd", CleanKey("../../etc/passwd"))
	assert.Equal(t, "a/b.pdf", CleanKey(`a\b.pdf`))
	assert.Equal(t, "", CleanKey("  "))
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "uploads/")
	require.NoError(t, err)

	obj, err := s.Put(context.Background(), "answers/x/part1.webm", "audio/webm", strings.NewReader("RIFFdata"))
	require.NoError(t, err)
	assert.Equal(t, "answers/x/part1.webm", obj.Key)
	assert.Equal(t, "/uploads/answers/x/part1.webm", obj.URL)
	assert.Equal(t, int64(8), obj.Size)

	data, err := os.ReadFile(filepath.Join(dir, "answers", "x", "part1.webm"))
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(data))

	require.NoError(t, s.Delete(context.Background(), obj.Key))
	assert.ErrorIs(t, s.Delete(context.Background(), obj.Key), ErrNotFound)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/uploads")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "a.pdf", "application/pdf", strings.NewReader("%PDF"))
	assert.ErrorIs(t, err, context.Canceled)
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "objects")
	s, err := NewLocalStore(root, "/files/")
	require.NoError(t, err)

	path := ScreenshotPath("alice", "b1")

	t.Run("upload writes file and returns address", func(t *testing.T) {
		addr, err := s.Upload(ctx, path, ContentTypePNG, []byte("png-1"))
		require.NoError(t, err)
		assert.Equal(t, "/files/screenshots/alice/b1.png", addr)

		data, err := os.ReadFile(filepath.Join(root, "screenshots", "alice", "b1.png"))
		require.NoError(t, err)
		assert.Equal(t, "png-1", string(data))
	})

	t.Run("upload overwrites", func(t *testing.T) {
		_, err := s.Upload(ctx, path, ContentTypePNG, []byte("png-2"))
		require.NoError(t, err)
		data, _ := os.ReadFile(filepath.Join(root, "screenshots", "alice", "b1.png"))
		assert.Equal(t, "png-2", string(data))
	})

	t.Run("delete removes then reports not found", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, path))
		assert.ErrorIs(t, s.Delete(ctx, path), ErrObjectNotFound)
	})

	t.Run("rejects paths outside root", func(t *testing.T) {
		for _, p := range []string{"", "/etc/passwd", "../escape.png", "a/../../escape.png"} {
			_, err := s.Upload(ctx, p, ContentTypePNG, []byte("x"))
			assert.Error(t, err, p)
		}
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Upload(cctx, path, ContentTypePNG, []byte("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

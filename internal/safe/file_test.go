package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

		require.NoError(t, WriteFileAtomic(path, []byte(`{"auth":[]}`), nil, zerolog.Nop()))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"auth":[]}`, string(got))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		dirInfo, err := os.Stat(filepath.Dir(path))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
	})

	t.Run("replaces existing file and leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.json")

		require.NoError(t, WriteFileAtomic(path, []byte("one"), nil, zerolog.Nop()))
		require.NoError(t, WriteFileAtomic(path, []byte("two"), nil, zerolog.Nop()))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestReadFile(t *testing.T) {
	t.Run("reads regular file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(path, []byte("test content"), 0o600))

		got, err := ReadFile(path, nil)
		require.NoError(t, err)
		assert.Equal(t, "test content", string(got))
	})

	t.Run("rejects symlink by default", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "file.txt")
		link := filepath.Join(dir, "link.txt")
		require.NoError(t, os.WriteFile(src, []byte("test"), 0o600))
		require.NoError(t, os.Symlink(src, link))

		_, err := ReadFile(link, nil)
		assert.Error(t, err)

		got, err := ReadFile(link, &FileOptions{AllowSymlinks: true})
		require.NoError(t, err)
		assert.Equal(t, "test", string(got))
	})

	t.Run("rejects directory", func(t *testing.T) {
		_, err := ReadFile(t.TempDir(), nil)
		assert.Error(t, err)
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "big.txt")
		require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

		_, err := ReadFile(path, &FileOptions{MaxSize: 50})
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(t.TempDir(), "nope"), nil)
		assert.True(t, os.IsNotExist(err))
	})
}

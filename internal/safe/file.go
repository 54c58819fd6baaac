// Package safe provides guarded file access for credential material.
package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxFileSize is the default maximum file size for safe file operations (1MB).
const DefaultMaxFileSize = 1 << 20

// FileOptions configures ReadFile and WriteFileAtomic.
type FileOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// Perm is the mode for written files. Zero means 0600.
	Perm os.FileMode
	// DirPerm is the mode for created parent directories. Zero means 0700.
	DirPerm os.FileMode
	// AllowSymlinks allows reading through symlinks. Default is false.
	AllowSymlinks bool
}

func (o *FileOptions) withDefaults() FileOptions {
	out := FileOptions{}
	if o != nil {
		out = *o
	}
	if out.MaxSize == 0 {
		out.MaxSize = DefaultMaxFileSize
	}
	if out.Perm == 0 {
		out.Perm = 0o600
	}
	if out.DirPerm == 0 {
		out.DirPerm = 0o700
	}
	return out
}

// ReadFile reads a regular file, rejecting symlinks (unless allowed) and
// files larger than MaxSize.
func ReadFile(path string, opts *FileOptions) ([]byte, error) {
	o := opts.withDefaults()
	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !o.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		if info, err = os.Stat(cleanPath); err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > o.MaxSize {
		return nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", o.MaxSize)
	}

	return os.ReadFile(cleanPath)
}

// WriteFileAtomic writes data to a temp file in the destination directory,
// syncs it and renames it over path. Readers observe either the old or the new
// contents, never a partial write. Missing parent directories are created.
func WriteFileAtomic(path string, data []byte, opts *FileOptions, logger zerolog.Logger) error {
	o := opts.withDefaults()
	dir := filepath.Dir(filepath.Clean(path))

	if err := os.MkdirAll(dir, o.DirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			RemoveFile(tmpFile, logger)
		}
	}()

	if err := tmpFile.Chmod(o.Perm); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	committed = true

	return nil
}

// Close closes gracefully a Closer interface, handling and logging the error.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}

// RemoveFile removes gracefully a file, handling and logging the error.
func RemoveFile(f *os.File, logger zerolog.Logger) {
	if f == nil {
		return
	}
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		logger.Error().Err(err).Msg("failed to remove file")
	}
}

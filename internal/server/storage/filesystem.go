package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("stored file not found")
	ErrTooLarge = errors.New("file exceeds maximum allowed size")
)

const (
	tempDirName      = ".incoming"
	tempPrefix       = "upload-"
	maxNameAttempts  = 1000
	defaultDirPerm   = 0o755
	unlimitedMaxSize = -1
)

// Store defines the interface for file storage backends.
type Store interface {
	Save(ctx context.Context, data io.Reader, declaredName string) (storedName string, size int64, err error)
	Open(storedName string) (io.ReadSeekCloser, int64, error)
	Exists(storedName string) bool
	Stat(storedName string) (int64, error)
	Delete(storedName string) error
	EnsureDir() error
	HealthCheck() error
}

// FileSystemStore stores uploaded files on the local filesystem.
// Incoming bytes land in a temp directory under basePath and are
// linked into place only once fully written.
type FileSystemStore struct {
	basePath string
	maxSize  int64
}

// NewFileSystemStore creates a new filesystem storage backend.
// A maxSize <= 0 disables the size limit.
func NewFileSystemStore(basePath string, maxSize int64) *FileSystemStore {
	if maxSize <= 0 {
		maxSize = unlimitedMaxSize
	}
	return &FileSystemStore{basePath: basePath, maxSize: maxSize}
}

// EnsureDir creates the storage and temp directories if they don't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.tempDir(), defaultDirPerm); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// HealthCheck verifies the storage directory is present and writable.
func (fs *FileSystemStore) HealthCheck() error {
	check, err := os.CreateTemp(fs.tempDir(), "health-")
	if err != nil {
		return fmt.Errorf("storage not writable: %w", err)
	}
	name := check.Name()
	check.Close()
	return os.Remove(name)
}

// Save streams data into the store under a sanitized, unused name.
// Returns the stored name and the exact number of bytes written. On any
// failure no partial file is left behind.
func (fs *FileSystemStore) Save(ctx context.Context, data io.Reader, declaredName string) (string, int64, error) {
	name := SanitizeFilename(declaredName)

	tmp, err := os.CreateTemp(fs.tempDir(), tempPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// The temp file is never the visible copy; it is always removed.
	defer os.Remove(tmpPath)

	src := io.Reader(&contextReader{ctx: ctx, r: data})
	if fs.maxSize != unlimitedMaxSize {
		src = io.LimitReader(src, fs.maxSize+1)
	}

	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, fmt.Errorf("upload interrupted: %w", ctxErr)
		}
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	if fs.maxSize != unlimitedMaxSize && n > fs.maxSize {
		tmp.Close()
		return "", 0, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to flush file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close file: %w", err)
	}

	storedName, err := fs.publish(tmpPath, name)
	if err != nil {
		return "", 0, err
	}
	return storedName, n, nil
}

// Open returns a reader for a stored file along with its size.
func (fs *FileSystemStore) Open(storedName string) (io.ReadSeekCloser, int64, error) {
	if !isSafeStoredName(storedName) {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(fs.filePath(storedName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether a stored file is present on disk.
func (fs *FileSystemStore) Exists(storedName string) bool {
	if !isSafeStoredName(storedName) {
		return false
	}
	info, err := os.Stat(fs.filePath(storedName))
	return err == nil && info.Mode().IsRegular()
}

// Stat returns the size of a stored file.
func (fs *FileSystemStore) Stat(storedName string) (int64, error) {
	if !isSafeStoredName(storedName) {
		return 0, ErrNotFound
	}
	info, err := os.Stat(fs.filePath(storedName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

// Delete removes a stored file.
func (fs *FileSystemStore) Delete(storedName string) error {
	if !isSafeStoredName(storedName) {
		return ErrNotFound
	}
	if err := os.Remove(fs.filePath(storedName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete file %s: %w", storedName, err)
	}
	return nil
}

// SweepTemp removes temp files last modified before cutoff.
// They are leftovers of writes interrupted by a crash.
func (fs *FileSystemStore) SweepTemp(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(fs.tempDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.tempDir(), entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// publish links the finished temp file to the first free name derived from
// name. Linking never overwrites, so concurrent saves of the same name
// always end up under distinct stored names.
func (fs *FileSystemStore) publish(tmpPath, name string) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := numberedName(name, i)
		err := os.Link(tmpPath, fs.filePath(candidate))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to publish file: %w", err)
		}
	}
	return "", fmt.Errorf("failed to publish file: no free name for %s", name)
}

// numberedName returns name for i == 0 and "base_i.ext" otherwise.
func numberedName(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), i, ext)
}

func (fs *FileSystemStore) filePath(storedName string) string {
	return filepath.Join(fs.basePath, storedName)
}

func (fs *FileSystemStore) tempDir() string {
	return filepath.Join(fs.basePath, tempDirName)
}

// contextReader stops a copy between chunks once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

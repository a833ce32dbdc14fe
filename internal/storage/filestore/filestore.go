// Package filestore manages the normalized media files in the data directory.
// Files are written atomically (temp file, fsync, rename) so a reader never
// sees a half-written asset under its final name.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TmpSuffix marks files still being written.
const TmpSuffix = ".tmp"

var (
	// ErrNotFound is returned when a stored file is absent from disk.
	ErrNotFound = errors.New("file not found on disk")
	// ErrInvalidName is returned for names that would escape the data directory.
	ErrInvalidName = errors.New("invalid file name")
)

// FileStore owns the files under a single data directory.
type FileStore struct {
	dataDir string
}

// Entry describes a regular file found in the data directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New creates the data directory when missing and returns a FileStore.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// DataDir returns the managed directory.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// FullPath returns the absolute location of name inside the data directory.
func (fs *FileStore) FullPath(name string) string {
	return filepath.Join(fs.dataDir, name)
}

// WriteFile atomically stores data under name and returns the on-disk size.
func (fs *FileStore) WriteFile(name string, data []byte) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}

	fullPath := fs.FullPath(name)
	tmpPath := fullPath + TmpSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write %s: %w", name, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsync %s: %w", name, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename %s: %w", name, err)
	}

	return fs.FileSize(name)
}

// Open opens a stored file for reading. A missing file yields an error
// wrapping ErrNotFound. The caller closes the file.
func (fs *FileStore) Open(name string) (*os.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	f, err := os.Open(fs.FullPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// DeleteFile removes a stored file. A file that is already gone is not an error.
func (fs *FileStore) DeleteFile(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	err := os.Remove(fs.FullPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// FileSize returns the on-disk size of name.
func (fs *FileStore) FileSize(name string) (int64, error) {
	info, err := os.Stat(fs.FullPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Size(), nil
}

// List returns the regular files in the data directory, skipping hidden
// files and subdirectories.
func (fs *FileStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory %s: %w", fs.dataDir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// checkName rejects anything that is not a plain file name.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

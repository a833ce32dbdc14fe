// Package snapshot reads and writes media.json, the persisted copy of the
// metadata store.
//
// The file holds a JSON array of records in insertion order. Every write
// replaces the whole file atomically: temp file, fsync, rename. A crash in
// the middle of a write leaves the previous snapshot intact.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
)

// FileName is the snapshot name inside the data directory.
const FileName = "media.json"

// TmpSuffix marks in-progress writes.
const TmpSuffix = ".tmp"

// ErrMalformed is returned by Read when the snapshot exists but cannot be
// decoded.
var ErrMalformed = errors.New("snapshot is malformed")

// Path returns the snapshot location for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Write atomically replaces the snapshot at path with records.
// A nil slice is written as an empty array.
func Write(path string, records []*model.MediaRecord) error {
	if records == nil {
		records = []*model.MediaRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpPath := path + TmpSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	return nil
}

// Read loads the snapshot at path. A missing file yields an empty slice and
// no error; undecodable content yields an error wrapping ErrMalformed.
func Read(path string) ([]*model.MediaRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*model.MediaRecord{}, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	var records []*model.MediaRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}

	for i, rec := range records {
		if rec == nil || rec.ID == "" {
			return nil, fmt.Errorf("%w: %s: entry %d has no id", ErrMalformed, path, i)
		}
	}

	if records == nil {
		records = []*model.MediaRecord{}
	}
	return records, nil
}

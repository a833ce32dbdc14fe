// Package metastore is the registry of stored media.
//
// Records live in an ordered in-memory slice mirrored to media.json.
// A single mutex covers every operation, reads included, so no caller ever
// observes the collection mid-mutation. Mutations rewrite the snapshot before
// returning; if the rewrite fails the in-memory change is undone, keeping
// memory equal to the last good snapshot.
package metastore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
	"github.com/BrettSwaim/skylight-photos/internal/storage/idgen"
	"github.com/BrettSwaim/skylight-photos/internal/storage/snapshot"
)

// maxIDAttempts bounds the retry loop when the generator keeps colliding.
const maxIDAttempts = 16

var (
	// ErrIDCollision is returned when a supplied id is already taken.
	ErrIDCollision = errors.New("media id already in use")
	// ErrNotReserved is returned when Add gets an id that was never reserved.
	ErrNotReserved = errors.New("media id was not reserved")
	// ErrIDExhausted means the generator failed to produce a free id.
	ErrIDExhausted = errors.New("could not allocate a free media id")
)

// Option customizes a Store.
type Option func(*Store)

// WithGenerator replaces the id generator.
func WithGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.gen = gen }
}

// WithClock replaces the time source used for uploaded_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the concurrency-safe media registry.
type Store struct {
	mu      sync.Mutex
	path    string
	records []*model.MediaRecord
	// reserved ids handed out by Reserve and not yet added or released
	reserved map[string]struct{}
	// retired ids of deleted records; never handed out again
	retired map[string]struct{}

	gen     idgen.Generator
	now     func() time.Time
	persist func(path string, records []*model.MediaRecord) error
	logger  *slog.Logger
}

// Open loads the snapshot in dataDir and returns a ready store.
// A missing snapshot starts an empty store. A malformed one is an error the
// caller must treat as fatal.
func Open(dataDir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:     snapshot.Path(dataDir),
		reserved: make(map[string]struct{}),
		retired:  make(map[string]struct{}),
		gen:      idgen.UUIDGenerator{},
		now:      time.Now,
		persist:  snapshot.Write,
		logger:   logger.With(slog.String("component", "metastore")),
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := snapshot.Read(s.path)
	if err != nil {
		return nil, fmt.Errorf("load media store: %w", err)
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("load media store: %w: duplicate id %s", snapshot.ErrMalformed, rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
	s.records = records

	s.logger.Info("Media store loaded",
		slog.Int("records", len(records)),
		slog.String("path", s.path),
	)
	return s, nil
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Reserve allocates a fresh id ahead of Add so the caller can name files
// after it. The id must be consumed by Add or returned with Release.
func (s *Store) Reserve() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocateLocked()
	if err != nil {
		return "", err
	}
	s.reserved[id] = struct{}{}
	return id, nil
}

// Release gives back an id obtained from Reserve that will not be added.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, id)
}

// Reserved reports whether id is held by a Reserve call that has not been
// consumed or released yet.
func (s *Store) Reserved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reserved[id]
	return ok
}

// Add registers a new record and persists the snapshot before returning.
// When attrs.ID is empty a fresh id is allocated; otherwise it must be a
// reserved id.
func (s *Store) Add(attrs model.NewMedia) (*model.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := attrs.ID
	if id == "" {
		var err error
		if id, err = s.allocateLocked(); err != nil {
			return nil, err
		}
	} else {
		if s.inUseLocked(id) {
			return nil, fmt.Errorf("%w: %s", ErrIDCollision, id)
		}
		if _, ok := s.reserved[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotReserved, id)
		}
	}

	rec := &model.MediaRecord{
		ID:           id,
		Filename:     attrs.Filename,
		OriginalName: attrs.OriginalName,
		MediaType:    attrs.MediaType,
		Width:        attrs.Width,
		Height:       attrs.Height,
		SizeBytes:    attrs.SizeBytes,
		Duration:     attrs.Duration,
		UploadedAt:   s.now().UTC(),
	}
	rec = rec.Clone()

	s.records = append(s.records, rec)
	if err := s.persist(s.path, s.records); err != nil {
		s.records[len(s.records)-1] = nil
		s.records = s.records[:len(s.records)-1]
		s.logger.Error("Snapshot write failed, add rolled back",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("persist media store: %w", err)
	}
	delete(s.reserved, id)

	return rec.Clone(), nil
}

// List returns copies of all records in insertion order.
func (s *Store) List() []*model.MediaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.MediaRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

// Get returns a copy of the record with the given id, or nil.
func (s *Store) Get(id string) *model.MediaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.records[i].Clone()
	}
	return nil
}

// Delete removes the record with the given id and persists the snapshot.
// It returns the removed record, or nil with no error when id is unknown.
func (s *Store) Delete(id string) (*model.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return nil, nil
	}

	removed := s.records[i]
	next := make([]*model.MediaRecord, 0, len(s.records)-1)
	next = append(next, s.records[:i]...)
	next = append(next, s.records[i+1:]...)

	if err := s.persist(s.path, next); err != nil {
		s.logger.Error("Snapshot write failed, delete rolled back",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("persist media store: %w", err)
	}

	s.records = next
	s.retired[id] = struct{}{}
	return removed.Clone(), nil
}

// Count returns the number of records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// TotalSize returns the sum of size_bytes over all records.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, rec := range s.records {
		total += rec.SizeBytes
	}
	return total
}

// Totals summarizes the store per media type.
type Totals struct {
	Count int
	Bytes int64
}

// TotalsByType returns record count and stored bytes for each media type.
func (s *Store) TotalsByType() map[model.MediaType]Totals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[model.MediaType]Totals{
		model.MediaImage: {},
		model.MediaVideo: {},
	}
	for _, rec := range s.records {
		t := out[rec.MediaType]
		t.Count++
		t.Bytes += rec.SizeBytes
		out[rec.MediaType] = t
	}
	return out
}

// allocateLocked draws ids until one is free. Caller holds mu.
func (s *Store) allocateLocked() (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.gen.NewID()
		if id == "" || s.inUseLocked(id) {
			s.logger.Warn("Generated id collided, retrying",
				slog.String("id", id),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if _, held := s.reserved[id]; held {
			continue
		}
		return id, nil
	}
	return "", ErrIDExhausted
}

// inUseLocked reports whether id belongs to a live or deleted record.
func (s *Store) inUseLocked(id string) bool {
	if _, ok := s.retired[id]; ok {
		return true
	}
	return s.indexLocked(id) >= 0
}

// indexLocked is a linear scan; the store is expected to hold tens of
// thousands of records at most.
func (s *Store) indexLocked(id string) int {
	for i, rec := range s.records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

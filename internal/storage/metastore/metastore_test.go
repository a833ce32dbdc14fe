package metastore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
	"github.com/BrettSwaim/skylight-photos/internal/storage/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seqGenerator returns ids from a fixed list, then falls back to a counter.
type seqGenerator struct {
	mu  sync.Mutex
	ids []string
	n   int
}

func (g *seqGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id
	}
	g.n++
	return fmt.Sprintf("gen%09d", g.n)
}

func imageAttrs(name string) model.NewMedia {
	w, h := 800, 600
	return model.NewMedia{
		Filename:     name + ".jpg",
		OriginalName: name + ".png",
		MediaType:    model.MediaImage,
		Width:        &w,
		Height:       &h,
		SizeBytes:    1234,
	}
}

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, testLogger(), opts...)
	require.NoError(t, err)
	return s
}

func mustAdd(t *testing.T, s *Store, attrs model.NewMedia) *model.MediaRecord {
	t.Helper()
	rec, err := s.Add(attrs)
	require.NoError(t, err)
	return rec
}

func TestOpen_Empty(t *testing.T) {
	s := openStore(t, t.TempDir())

	assert.Zero(t, s.Count())
	assert.Empty(t, s.List())
}

func TestOpen_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(snapshot.Path(dir), []byte("[{"), 0o600))

	_, err := Open(dir, testLogger())
	require.ErrorIs(t, err, snapshot.ErrMalformed)
}

func TestOpen_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	content := `[{"id":"abc","filename":"abc.jpg"},{"id":"abc","filename":"abc.mp4"}]`
	require.NoError(t, os.WriteFile(snapshot.Path(dir), []byte(content), 0o600))

	_, err := Open(dir, testLogger())
	require.ErrorIs(t, err, snapshot.ErrMalformed)
}

func TestAddGet_RoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	s := openStore(t, t.TempDir(), WithClock(func() time.Time { return fixed }))

	rec := mustAdd(t, s, imageAttrs("one"))

	require.NotEmpty(t, rec.ID)
	assert.Equal(t, time.UTC, rec.UploadedAt.Location())
	assert.True(t, rec.UploadedAt.Equal(fixed))
	assert.Equal(t, rec, s.Get(rec.ID))
}

func TestAdd_PersistsBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	rec := mustAdd(t, s, imageAttrs("one"))

	got := openStore(t, dir).Get(rec.ID)
	require.NotNil(t, got, "record not found after reopen")
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, *rec.Width, *got.Width)
	assert.True(t, got.UploadedAt.Equal(rec.UploadedAt))
}

func TestList_OrderAndCopies(t *testing.T) {
	s := openStore(t, t.TempDir())

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustAdd(t, s, imageAttrs(fmt.Sprintf("f%d", i))).ID)
	}

	list := s.List()
	require.Len(t, list, 5)
	for i, rec := range list {
		assert.Equal(t, ids[i], rec.ID, "position %d", i)
	}

	list[0].Filename = "tampered"
	*list[0].Width = 1
	list[1] = nil

	again := s.List()
	assert.NotEqual(t, "tampered", again[0].Filename)
	assert.NotEqual(t, 1, *again[0].Width)
	assert.NotNil(t, again[1])
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	a := mustAdd(t, s, imageAttrs("a"))
	b := mustAdd(t, s, imageAttrs("b"))
	c := mustAdd(t, s, imageAttrs("c"))

	removed, err := s.Delete(b.ID)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, b.ID, removed.ID)
	assert.Nil(t, s.Get(b.ID))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, c.ID, list[1].ID)

	reopened := openStore(t, dir)
	assert.Equal(t, 2, reopened.Count())
	assert.Nil(t, reopened.Get(b.ID))
}

func TestDelete_Unknown(t *testing.T) {
	s := openStore(t, t.TempDir())

	removed, err := s.Delete("nope")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestAdd_Concurrent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	const n = 64
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Add(imageAttrs(fmt.Sprintf("c%d", i)))
			errs[i] = err
			if rec != nil {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	unique := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "add %d", i)
		unique[ids[i]] = struct{}{}
	}
	assert.Len(t, unique, n)
	assert.Equal(t, n, s.Count())
	assert.Equal(t, n, openStore(t, dir).Count(), "snapshot must hold every record")
}

func TestAdd_CollisionRetried(t *testing.T) {
	gen := &seqGenerator{ids: []string{"aaa", "aaa", "bbb"}}
	s := openStore(t, t.TempDir(), WithGenerator(gen))

	first := mustAdd(t, s, imageAttrs("x"))
	second := mustAdd(t, s, imageAttrs("y"))

	assert.Equal(t, "aaa", first.ID)
	assert.Equal(t, "bbb", second.ID)
}

func TestAdd_DeletedIDNotReissued(t *testing.T) {
	gen := &seqGenerator{ids: []string{"aaa", "aaa", "ccc"}}
	s := openStore(t, t.TempDir(), WithGenerator(gen))

	first := mustAdd(t, s, imageAttrs("x"))
	_, err := s.Delete(first.ID)
	require.NoError(t, err)

	second := mustAdd(t, s, imageAttrs("y"))
	assert.NotEqual(t, first.ID, second.ID, "deleted id was reissued")
}

func TestAdd_GeneratorExhausted(t *testing.T) {
	ids := make([]string, maxIDAttempts+1)
	for i := range ids {
		ids[i] = "same"
	}
	s := openStore(t, t.TempDir(), WithGenerator(&seqGenerator{ids: ids}))

	mustAdd(t, s, imageAttrs("x"))
	_, err := s.Add(imageAttrs("y"))
	assert.ErrorIs(t, err, ErrIDExhausted)
}

func TestReserve(t *testing.T) {
	s := openStore(t, t.TempDir())

	id, err := s.Reserve()
	require.NoError(t, err)
	assert.True(t, s.Reserved(id))

	attrs := imageAttrs(id)
	attrs.ID = id
	rec := mustAdd(t, s, attrs)
	assert.Equal(t, id, rec.ID)
	assert.False(t, s.Reserved(id), "add consumes the reservation")

	// reservation consumed, a second add with the same id collides
	_, err = s.Add(attrs)
	assert.ErrorIs(t, err, ErrIDCollision)

	other, err := s.Reserve()
	require.NoError(t, err)
	s.Release(other)
	attrs.ID = other
	_, err = s.Add(attrs)
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestReserve_NotReissued(t *testing.T) {
	gen := &seqGenerator{ids: []string{"rrr", "rrr", "sss"}}
	s := openStore(t, t.TempDir(), WithGenerator(gen))

	a, err := s.Reserve()
	require.NoError(t, err)
	b, err := s.Reserve()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// memory must stay equal to the last good snapshot
func TestAdd_PersistFailure(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	kept := mustAdd(t, s, imageAttrs("kept"))

	s.persist = func(string, []*model.MediaRecord) error {
		return errors.New("disk full")
	}

	_, err := s.Add(imageAttrs("lost"))
	require.Error(t, err)
	assert.Equal(t, 1, s.Count())

	_, err = s.Delete(kept.ID)
	require.Error(t, err)
	assert.NotNil(t, s.Get(kept.ID), "failed delete removed the record from memory")

	reopened := openStore(t, dir)
	assert.Equal(t, 1, reopened.Count())
	assert.NotNil(t, reopened.Get(kept.ID))
}

func TestTotals(t *testing.T) {
	s := openStore(t, t.TempDir())

	mustAdd(t, s, imageAttrs("a"))
	mustAdd(t, s, imageAttrs("b"))
	mustAdd(t, s, model.NewMedia{Filename: "v.mp4", MediaType: model.MediaVideo, SizeBytes: 10})

	totals := s.TotalsByType()
	assert.Equal(t, Totals{Count: 2, Bytes: 2468}, totals[model.MediaImage])
	assert.Equal(t, Totals{Count: 1, Bytes: 10}, totals[model.MediaVideo])
	assert.Equal(t, int64(2478), s.TotalSize())
	assert.Equal(t, 3, s.Count())
}

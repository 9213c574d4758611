package store

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

type recordingReloader struct {
	reloads int
	err     error
}

func (r *recordingReloader) Hydrate() error { return nil }

func (r *recordingReloader) Reload() error {
	r.reloads++
	return r.err
}

func testWatcher(t *testing.T, stores map[string]Reloader) *Watcher {
	t.Helper()
	return NewWatcher(t.TempDir(), stores, slog.New(slog.DiscardHandler))
}

// --- handleEvent ---

func TestHandleEvent_ReloadsMatchingStore(t *testing.T) {
	r := &recordingReloader{}
	w := testWatcher(t, map[string]Reloader{"vocabulary-storage.json": r})

	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(w.dir, "vocabulary-storage.json"),
		Op:   fsnotify.Write,
	})

	assert.Equal(t, 1, r.reloads)
}

func TestHandleEvent_CreateFromAtomicRenameReloads(t *testing.T) {
	r := &recordingReloader{}
	w := testWatcher(t, map[string]Reloader{"vocabulary-storage.json": r})

	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(w.dir, "vocabulary-storage.json"),
		Op:   fsnotify.Create,
	})

	assert.Equal(t, 1, r.reloads)
}

func TestHandleEvent_IgnoresTempFiles(t *testing.T) {
	r := &recordingReloader{}
	w := testWatcher(t, map[string]Reloader{".envelope-123": r})

	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(w.dir, ".envelope-123"),
		Op:   fsnotify.Create,
	})

	assert.Zero(t, r.reloads)
}

func TestHandleEvent_IgnoresUnknownFiles(t *testing.T) {
	r := &recordingReloader{}
	w := testWatcher(t, map[string]Reloader{"vocabulary-storage.json": r})

	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(w.dir, "something-else.json"),
		Op:   fsnotify.Write,
	})

	assert.Zero(t, r.reloads)
}

func TestHandleEvent_IgnoresRemoveAndChmod(t *testing.T) {
	r := &recordingReloader{}
	w := testWatcher(t, map[string]Reloader{"vocabulary-storage.json": r})

	name := filepath.Join(w.dir, "vocabulary-storage.json")
	w.handleEvent(fsnotify.Event{Name: name, Op: fsnotify.Remove})
	w.handleEvent(fsnotify.Event{Name: name, Op: fsnotify.Chmod})

	assert.Zero(t, r.reloads)
}

// --- end to end against real Store ---

func TestHandleEvent_ExternalWriteSurfacesAsNotification(t *testing.T) {
	dir := t.TempDir()
	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())

	var notified []domain.Word
	s.Subscribe(func(prev, next []domain.Word) { notified = next })

	writeRawEnvelope(t, dir, domain.Vocabulary,
		`{"state":{"words":[{"id":"w1","createdAt":100,"updatedAt":100}]},"version":1}`)

	w := NewWatcher(dir, map[string]Reloader{"vocabulary-storage.json": s}, slog.New(slog.DiscardHandler))
	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(dir, "vocabulary-storage.json"),
		Op:   fsnotify.Write,
	})

	require.Len(t, notified, 1)
	assert.Equal(t, "w1", notified[0].ID)
}

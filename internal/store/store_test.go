package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

func testVocabStore(t *testing.T) (*Store[domain.Word], string) {
	t.Helper()
	dir := t.TempDir()
	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())
	return s, dir
}

func storeWord(id string, createdAt int64) domain.Word {
	return domain.Word{ID: id, Chinese: "词", CreatedAt: createdAt, UpdatedAt: createdAt}
}

func writeRawEnvelope(t *testing.T, dir string, d domain.Domain, content string) {
	t.Helper()
	path := filepath.Join(dir, d.StorageKey()+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// --- Hydrate ---

func TestHydrate_MissingFileGivesEmptyCollection(t *testing.T) {
	s, _ := testVocabStore(t)

	assert.True(t, s.Hydrated())
	assert.Empty(t, s.Get())
}

func TestHydrate_ClosesChannelOnce(t *testing.T) {
	dir := t.TempDir()
	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)

	select {
	case <-s.HydratedChan():
		t.Fatal("channel should not be closed before Hydrate")
	default:
	}

	require.NoError(t, s.Hydrate())
	require.NoError(t, s.Hydrate(), "second hydrate must not re-close the channel")

	select {
	case <-s.HydratedChan():
	default:
		t.Fatal("channel should be closed after Hydrate")
	}
}

func TestHydrate_ReadsExistingEnvelope(t *testing.T) {
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Vocabulary,
		`{"state":{"words":[{"id":"w1","chinese":"你好","createdAt":100,"updatedAt":100}]},"version":3}`)

	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())

	words := s.Get()
	require.Len(t, words, 1)
	assert.Equal(t, "w1", words[0].ID)
	assert.Equal(t, "你好", words[0].Chinese)
}

func TestHydrate_NullFieldGivesEmptyCollection(t *testing.T) {
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Vocabulary, `{"state":{"words":null},"version":1}`)

	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())
	assert.Empty(t, s.Get())
}

// --- SetAll / persistence ---

func TestSetAll_PersistsEnvelopeLayout(t *testing.T) {
	s, dir := testVocabStore(t)

	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	data, err := os.ReadFile(filepath.Join(dir, "vocabulary-storage.json"))
	require.NoError(t, err)

	var env struct {
		State   map[string]json.RawMessage `json:"state"`
		Version int                        `json:"version"`
	}
	require.NoError(t, json.Unmarshal(data, &env))

	assert.Equal(t, 1, env.Version)
	require.Contains(t, env.State, "words")

	var words []domain.Word
	require.NoError(t, json.Unmarshal(env.State["words"], &words))
	require.Len(t, words, 1)
	assert.Equal(t, "w1", words[0].ID)
}

func TestSetAll_PreservesEnvelopeVersion(t *testing.T) {
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Vocabulary, `{"state":{"words":[]},"version":7}`)

	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	data, err := os.ReadFile(filepath.Join(dir, "vocabulary-storage.json"))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))

	assert.Equal(t, 7, env.Version, "existing envelope version must survive writes")
}

func TestSetAll_PreservesForeignStateFields(t *testing.T) {
	// The app stores unrelated fields in the same envelope; a sync
	// write must not drop them.
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Vocabulary,
		`{"state":{"words":[],"uiCollapsed":true},"version":2}`)

	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, s.Hydrate())
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	data, err := os.ReadFile(filepath.Join(dir, "vocabulary-storage.json"))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))

	require.Contains(t, env.State, "uiCollapsed")
	assert.Equal(t, "true", string(env.State["uiCollapsed"]))
}

func TestSetAll_RoundTrip(t *testing.T) {
	s, dir := testVocabStore(t)
	words := []domain.Word{storeWord("w1", 100), storeWord("w2", 200)}

	require.NoError(t, s.SetAll(words))

	reopened := NewCollection(dir, domain.Vocabulary, domain.WordMarker)
	require.NoError(t, reopened.Hydrate())
	assert.Equal(t, words, reopened.Get())
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := testVocabStore(t)
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	got := s.Get()
	got[0].ID = "mutated"

	assert.Equal(t, "w1", s.Get()[0].ID)
}

// --- Subscribe ---

func TestSubscribe_FiresWithPrevAndNext(t *testing.T) {
	s, _ := testVocabStore(t)
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	var gotPrev, gotNext []domain.Word
	s.Subscribe(func(prev, next []domain.Word) {
		gotPrev = prev
		gotNext = next
	})

	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100), storeWord("w2", 200)}))

	require.Len(t, gotPrev, 1)
	require.Len(t, gotNext, 2)
	assert.Equal(t, "w1", gotPrev[0].ID)
}

func TestSubscribe_SkipsNoOpWrites(t *testing.T) {
	s, _ := testVocabStore(t)
	words := []domain.Word{storeWord("w1", 100)}
	require.NoError(t, s.SetAll(words))

	calls := 0
	s.Subscribe(func(prev, next []domain.Word) { calls++ })

	require.NoError(t, s.SetAll(words))

	assert.Zero(t, calls, "identical content fires no notification")
}

func TestSubscribe_UnsubscribeStops(t *testing.T) {
	s, _ := testVocabStore(t)

	calls := 0
	unsub := s.Subscribe(func(prev, next []domain.Word) { calls++ })

	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))
	unsub()
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w2", 200)}))

	assert.Equal(t, 1, calls)
}

// --- Reload ---

func TestReload_AppliesExternalWriteWithoutRePersisting(t *testing.T) {
	s, dir := testVocabStore(t)
	require.NoError(t, s.SetAll([]domain.Word{storeWord("w1", 100)}))

	// Simulate the reading app writing the envelope.
	writeRawEnvelope(t, dir, domain.Vocabulary,
		`{"state":{"words":[{"id":"w1","createdAt":100,"updatedAt":100},{"id":"w2","createdAt":200,"updatedAt":200}]},"version":1}`)

	var notified []domain.Word
	s.Subscribe(func(prev, next []domain.Word) { notified = next })

	require.NoError(t, s.Reload())

	assert.Len(t, s.Get(), 2)
	assert.Len(t, notified, 2, "subscribers observe external writes")
}

// --- RawPersisted ---

func TestRawPersisted_BypassesMemory(t *testing.T) {
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Vocabulary,
		`{"state":{"words":[{"id":"w1","createdAt":100,"updatedAt":100}]},"version":1}`)

	// Unhydrated store: memory is empty, disk is not.
	s := NewCollection(dir, domain.Vocabulary, domain.WordMarker)

	assert.Empty(t, s.Get())

	raw, err := s.RawPersisted()
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

// --- Blob stores ---

func TestBlob_PersistsSingleObject(t *testing.T) {
	dir := t.TempDir()
	s := NewBlob(dir, domain.Settings, domain.SettingsMarker)
	require.NoError(t, s.Hydrate())

	blob := domain.SettingsBlob{ID: domain.SettingsID, ShowPinyin: true, UpdatedAt: 100}
	require.NoError(t, s.SetAll([]domain.SettingsBlob{blob}))

	data, err := os.ReadFile(filepath.Join(dir, "settings-storage.json"))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))

	// Object, not a one-element array.
	var decoded domain.SettingsBlob
	require.NoError(t, json.Unmarshal(env.State["settings"], &decoded))
	assert.True(t, decoded.ShowPinyin)
}

func TestBlob_HydratesSingleObject(t *testing.T) {
	dir := t.TempDir()
	writeRawEnvelope(t, dir, domain.Settings,
		`{"state":{"settings":{"id":"settings","showPinyin":true,"updatedAt":50}},"version":1}`)

	s := NewBlob(dir, domain.Settings, domain.SettingsMarker)
	require.NoError(t, s.Hydrate())

	got := s.Get()
	require.Len(t, got, 1)
	assert.True(t, got[0].ShowPinyin)
}

func TestBlob_EmptyPersistsNull(t *testing.T) {
	dir := t.TempDir()
	s := NewBlob(dir, domain.Settings, domain.SettingsMarker)
	require.NoError(t, s.Hydrate())

	require.NoError(t, s.SetAll([]domain.SettingsBlob{{ID: domain.SettingsID, UpdatedAt: 1}}))
	require.NoError(t, s.SetAll(nil))

	data, err := os.ReadFile(filepath.Join(dir, "settings-storage.json"))
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))

	assert.Equal(t, "null", string(env.State["settings"]))
}

// --- OpenSet ---

func TestOpenSet_HydratesAllDomains(t *testing.T) {
	dir := t.TempDir()

	set, err := OpenSet(dir)
	require.NoError(t, err)

	assert.True(t, set.Vocabulary.Hydrated())
	assert.True(t, set.Bookmarks.Hydrated())
	assert.True(t, set.History.Hydrated())
	assert.True(t, set.Settings.Hydrated())
	assert.True(t, set.Plan.Hydrated())
	assert.True(t, set.Daily.Hydrated())
}

func TestReloaders_KeyedByFileName(t *testing.T) {
	set, err := OpenSet(t.TempDir())
	require.NoError(t, err)

	reloaders := set.Reloaders()
	assert.Contains(t, reloaders, "vocabulary-storage.json")
	assert.Contains(t, reloaders, "reading-history-storage.json")
	assert.Len(t, reloaders, 6)
}

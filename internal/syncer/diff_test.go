package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

func diffWord(id string, updatedAt int64) domain.Word {
	return domain.Word{ID: id, Chinese: "字", CreatedAt: updatedAt, UpdatedAt: updatedAt}
}

// --- Diff ---

func TestDiff_EmptyIndexUpsertsEverything(t *testing.T) {
	current := []domain.Word{diffWord("w1", 100), diffWord("w2", 200)}

	upserts, deletes := Diff(current, nil, domain.WordMarker)

	assert.Len(t, upserts, 2)
	assert.Empty(t, deletes)
}

func TestDiff_NoChanges(t *testing.T) {
	current := []domain.Word{diffWord("w1", 100), diffWord("w2", 200)}
	index := IndexFrom(current, domain.WordMarker)

	upserts, deletes := Diff(current, index, domain.WordMarker)

	assert.Empty(t, upserts, "diff against own index is empty")
	assert.Empty(t, deletes)
}

func TestDiff_ChangedMarkerUpserts(t *testing.T) {
	index := map[string]string{"w1": "100"}
	current := []domain.Word{diffWord("w1", 150)}

	upserts, deletes := Diff(current, index, domain.WordMarker)

	require.Len(t, upserts, 1)
	assert.Equal(t, "w1", upserts[0].ID)
	assert.Empty(t, deletes)
}

func TestDiff_MissingFromCurrentDeletes(t *testing.T) {
	index := map[string]string{"w1": "100", "w2": "200"}
	current := []domain.Word{diffWord("w1", 100)}

	upserts, deletes := Diff(current, index, domain.WordMarker)

	assert.Empty(t, upserts)
	assert.Equal(t, []string{"w2"}, deletes)
}

func TestDiff_MixedMutations(t *testing.T) {
	index := map[string]string{"keep": "100", "edit": "100", "gone": "100"}
	current := []domain.Word{
		diffWord("keep", 100),
		diffWord("edit", 999),
		diffWord("new", 50),
	}

	upserts, deletes := Diff(current, index, domain.WordMarker)

	upsertIDs := make([]string, len(upserts))
	for i, u := range upserts {
		upsertIDs[i] = u.ID
	}

	assert.ElementsMatch(t, []string{"edit", "new"}, upsertIDs)
	assert.Equal(t, []string{"gone"}, deletes)
}

func TestDiff_EmptyCurrentNonEmptyIndexEmitsNothing(t *testing.T) {
	// An empty snapshot against a tracked index looks like a store
	// reset or hydration race; emitting deletes here would wipe the
	// remote collection.
	index := map[string]string{"w1": "100", "w2": "200"}

	upserts, deletes := Diff(nil, index, domain.WordMarker)

	assert.Empty(t, upserts)
	assert.Empty(t, deletes, "no deletes from an empty local snapshot")
}

func TestDiff_BothEmpty(t *testing.T) {
	upserts, deletes := Diff(nil, nil, domain.WordMarker)

	assert.Empty(t, upserts)
	assert.Empty(t, deletes)
}

func TestDiff_SignatureMarkerDetectsContentChange(t *testing.T) {
	// Bookmarks have no version field; a label edit must still surface
	// through the content-signature marker.
	before := domain.Bookmark{ID: "b1", Book: "luke", Chapter: 2, Verse: 7, Label: "old"}
	after := before
	after.Label = "new"

	index := IndexFrom([]domain.Bookmark{before}, domain.BookmarkMarker)
	upserts, deletes := Diff([]domain.Bookmark{after}, index, domain.BookmarkMarker)

	require.Len(t, upserts, 1)
	assert.Equal(t, "b1", upserts[0].ID)
	assert.Empty(t, deletes)
}

// --- IndexFrom ---

func TestIndexFrom_MapsIDToMarker(t *testing.T) {
	entities := []domain.Word{diffWord("w1", 100), diffWord("w2", 200)}

	index := IndexFrom(entities, domain.WordMarker)

	assert.Equal(t, map[string]string{"w1": "100", "w2": "200"}, index)
}

func TestIndexFrom_Empty(t *testing.T) {
	index := IndexFrom(nil, domain.WordMarker)
	assert.Empty(t, index)
}

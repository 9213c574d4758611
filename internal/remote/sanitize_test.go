package remote

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- SanitizeDoc ---

func TestSanitizeDoc_StripsTopLevelNulls(t *testing.T) {
	out, err := SanitizeDoc(json.RawMessage(`{"id":"w1","pinyin":null,"english":"hello"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":"w1","english":"hello"}`, string(out))
}

func TestSanitizeDoc_CleanDocUnchanged(t *testing.T) {
	in := json.RawMessage(`{"id":"w1","english":"hello"}`)

	out, err := SanitizeDoc(in)
	require.NoError(t, err)

	// Byte-identical: no pointless re-encoding of clean documents.
	assert.Equal(t, string(in), string(out))
}

func TestSanitizeDoc_NestedNullsPassThrough(t *testing.T) {
	out, err := SanitizeDoc(json.RawMessage(`{"id":"w1","meta":{"note":null}}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":"w1","meta":{"note":null}}`, string(out))
}

func TestSanitizeDoc_NonObjectPassesThrough(t *testing.T) {
	for _, in := range []string{`[1,2,3]`, `"plain"`, `42`} {
		out, err := SanitizeDoc(json.RawMessage(in))
		require.NoError(t, err)
		assert.Equal(t, in, string(out))
	}
}

// --- SanitizeDocs ---

func TestSanitizeDocs_AppliesToEach(t *testing.T) {
	out, err := SanitizeDocs([]json.RawMessage{
		json.RawMessage(`{"id":"a","x":null}`),
		json.RawMessage(`{"id":"b"}`),
	})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.JSONEq(t, `{"id":"a"}`, string(out[0]))
	assert.JSONEq(t, `{"id":"b"}`, string(out[1]))
}

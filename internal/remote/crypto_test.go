package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DeriveKeyHash ---

func TestDeriveKeyHash_Deterministic(t *testing.T) {
	h1, err := DeriveKeyHash("password", "salt")
	require.NoError(t, err)

	h2, err := DeriveKeyHash("password", "salt")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "hex-encoded SHA-256")
}

func TestDeriveKeyHash_SaltMatters(t *testing.T) {
	h1, err := DeriveKeyHash("password", "salt-a")
	require.NoError(t, err)

	h2, err := DeriveKeyHash("password", "salt-b")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestDeriveKeyHash_PasswordMatters(t *testing.T) {
	h1, err := DeriveKeyHash("password-a", "salt")
	require.NoError(t, err)

	h2, err := DeriveKeyHash("password-b", "salt")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestDeriveKeyHash_NormalizesCompositionForm(t *testing.T) {
	// Precomposed vs decomposed input must derive the same key; which
	// form a device produces depends on its input method.
	h1, err := DeriveKeyHash("café", "salt")
	require.NoError(t, err)

	h2, err := DeriveKeyHash("café", "salt")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash_HexDigest(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHash_Deterministic(t *testing.T) {
	t.Parallel()

	h := New()
	first, err := h.Hash([]byte("$3.99 per gallon"))
	require.NoError(t, err)
	second, err := h.Hash([]byte("$3.99 per gallon"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := h.Hash([]byte("$4.99 per gallon"))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

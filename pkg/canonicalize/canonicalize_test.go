package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	ja, err := JCS(a)
	require.NoError(t, err)
	jb, err := JCS(b)
	require.NoError(t, err)

	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, `{"a":2,"b":1}`, string(ja))
}

func TestJCSNumberNormalization(t *testing.T) {
	// 1.0 and 1 canonicalize identically under JCS.
	a, err := JCS(map[string]any{"n": 1.0})
	require.NoError(t, err)
	b, err := JCS(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"tool": "leads.create", "input": map[string]any{"phone": "+61400000001"}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(
		map[string]any{"x": []any{1.0, 2.0}, "y": "z"},
		map[string]any{"y": "z", "x": []any{1, 2}},
	))
	assert.False(t, Equal(
		map[string]any{"x": 1},
		map[string]any{"x": 2},
	))
}

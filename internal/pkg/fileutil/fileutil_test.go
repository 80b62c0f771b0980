package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesDirectoryAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "state.json")

	require.NoError(t, AtomicWrite(path, []byte("one"), 0o644))
	require.NoError(t, AtomicWrite(path, []byte("two"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadIfExists_Missing(t *testing.T) {
	data, err := ReadIfExists(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

type record struct {
	ID string `json:"id"`
}

func TestCodec_RoundTripAndVersionCheck(t *testing.T) {
	v1 := Codec[[]record]{Format: "test-store", Version: "1.2.0", Constraint: "^1"}

	raw, err := v1.Encode([]record{{ID: "a"}})
	require.NoError(t, err)

	got, err := v1.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []record{{ID: "a"}}, got)

	v2 := Codec[[]record]{Format: "test-store", Version: "2.0.0", Constraint: "^2"}
	_, err = v2.Decode(raw)
	assert.ErrorIs(t, err, ErrIncompatibleFormat)

	other := Codec[[]record]{Format: "other-store", Version: "1.0.0", Constraint: "^1"}
	_, err = other.Decode(raw)
	assert.ErrorIs(t, err, ErrIncompatibleFormat)
}

func TestCodec_EmptyInput(t *testing.T) {
	c := Codec[map[string]record]{Format: "x", Version: "1.0.0", Constraint: "^1"}
	got, err := c.Decode([]byte("  \n"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

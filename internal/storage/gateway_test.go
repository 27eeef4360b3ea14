package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSha256Hex(t *testing.T) {
	t.Parallel()

	// Stable, well-known digest of the empty input.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Sha256Hex(nil),
	)
	assert.Equal(t, Sha256Hex([]byte("abc")), Sha256Hex([]byte("abc")))
	assert.NotEqual(t, Sha256Hex([]byte("abc")), Sha256Hex([]byte("abd")))
}

func TestMd5Hex(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Md5Hex(""))
	assert.Len(t, Md5Hex("collection|org|endpoint"), 32)
}

func TestWriteAtomic_CreatesParents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "out.csv")
	require.NoError(t, WriteAtomic(path, []byte("x,y\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x,y\n", string(data))
}

func TestWriteAtomic_Overwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteAtomic(path, []byte("first")))
	require.NoError(t, WriteAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSaveContentAddressed_Idempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := []byte("reference,name\nR1,Oak\n")

	hash1, err := SaveContentAddressed(dir, body)
	require.NoError(t, err)
	hash2, err := SaveContentAddressed(dir, body)
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2, "identical bytes yield the same filename")
	assert.Equal(t, Sha256Hex(body), hash1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	assert.False(t, Exists(filepath.Join(dir, "missing")))
	assert.False(t, Exists(dir), "directories do not count")

	path := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, Exists(path))
}

package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_CreatesWithPerm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteFile(path, []byte(`{"a":1}`), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteFile_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, WriteFile(path, []byte("new"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteFrom_FailureLeavesNoTempAndKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	_, err := WriteFrom(path, failingReader{}, 0o644)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be cleaned up")
}

func TestWriteFrom_ReturnsByteCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")

	n, err := WriteFrom(path, strings.NewReader("hello"), 0o644)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestWriteFrom_MissingDirFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "doc.txt")

	_, err := WriteFrom(path, strings.NewReader("x"), 0o644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating temp file")
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile("/a/.notes.md.tmp-12345"))
	assert.True(t, IsTempFile(".x.tmp-1"))
	assert.False(t, IsTempFile("notes.md"))
	assert.False(t, IsTempFile("notes.tmp-1"))
}

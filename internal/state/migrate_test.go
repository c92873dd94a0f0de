package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSONState(t *testing.T, dir string, st *SyncState) string {
	t.Helper()
	path := filepath.Join(dir, "sync_state.json")
	s, err := OpenJSON(path, quietLogger)
	require.NoError(t, err)
	require.NoError(t, s.Save(st))
	return path
}

func TestMigrateJSONToBolt_CopiesEverything(t *testing.T) {
	dir := t.TempDir()
	want := sampleState()
	jsonPath := writeJSONState(t, dir, want)
	boltPath := filepath.Join(dir, "sync_state.db")

	res, err := MigrateJSONToBolt(jsonPath, boltPath, quietLogger)
	require.NoError(t, err)
	assert.Equal(t, len(want.FileCache), res.FileCache)
	assert.Equal(t, len(want.Files), res.Files)
	assert.Equal(t, jsonPath+".backup", res.BackupPath)
	assert.FileExists(t, res.BackupPath)
	assert.FileExists(t, jsonPath, "source stays in place")

	s, err := OpenBolt(boltPath, quietLogger)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want.FileCache, got.FileCache)
	assert.Equal(t, want.Files, got.Files)
	assert.Equal(t, want.DeltaToken, got.DeltaToken)
	assert.True(t, want.LastSync.Equal(got.LastSync))

	v, ok, err := s.GetMetadata(MetaMigratedFromJSON)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	v, _, _ = s.GetMetadata(MetaSourceFile)
	assert.Equal(t, jsonPath, v)

	_, ok, _ = s.GetMetadata(MetaMigrationDate)
	assert.True(t, ok)
}

func TestMigrateJSONToBolt_RefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeJSONState(t, dir, sampleState())
	boltPath := filepath.Join(dir, "sync_state.db")
	require.NoError(t, os.WriteFile(boltPath, []byte("existing"), 0o600))

	_, err := MigrateJSONToBolt(jsonPath, boltPath, quietLogger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMigrationTargetExists))

	data, err := os.ReadFile(boltPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data), "existing target must not be touched")
}

func TestMigrateJSONToBolt_MissingSource(t *testing.T) {
	dir := t.TempDir()

	_, err := MigrateJSONToBolt(filepath.Join(dir, "nope.json"), filepath.Join(dir, "out.db"), quietLogger)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out.db"))
}

func TestMigrateJSONToBolt_CorruptSourceRemovesNothingAndCreatesNoTarget(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "sync_state.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{not json"), 0o600))
	boltPath := filepath.Join(dir, "sync_state.db")

	_, err := MigrateJSONToBolt(jsonPath, boltPath, quietLogger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCorruption))
	assert.NoFileExists(t, boltPath)
	assert.FileExists(t, jsonPath)
}

func TestMigrateJSONToBolt_EmptyState(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeJSONState(t, dir, NewSyncState())

	res, err := MigrateJSONToBolt(jsonPath, filepath.Join(dir, "sync_state.db"), quietLogger)
	require.NoError(t, err)
	assert.Zero(t, res.FileCache)
	assert.Zero(t, res.Files)
}

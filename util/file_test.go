package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatePrev(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")

	// Nothing to rotate.
	require.NoError(t, RotatePrev(path))

	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))
	require.NoError(t, RotatePrev(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(path + ".prev")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// A second rotation replaces the old backup.
	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	require.NoError(t, RotatePrev(path))
	data, err = os.ReadFile(path + ".prev")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.etl")
	dst := filepath.Join(dir, "dst.etl")
	require.NoError(t, os.WriteFile(src, []byte("capture"), 0o600))

	require.NoError(t, MoveFile(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "capture", string(data))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.tmp")
	require.NoError(t, RemoveIfExists(path))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

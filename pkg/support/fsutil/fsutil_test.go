package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, InstallFile(dir, "abc", []byte("first")))
	require.NoError(t, InstallFile(dir, "abc", []byte("second")))

	got, err := os.ReadFile(filepath.Join(dir, "abc"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)

	got, err = ReplaceTildeInDir("~/cache")
	require.NoError(t, err)
	assert.NotContains(t, got, "~")
}

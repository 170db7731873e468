package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveJsonRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "scores.json")

	require.NoError(t, SaveJson(path, map[string][]int{"scores": {3, 5}}))
	require.NoError(t, SaveJson(path, map[string][]int{"scores": {7}}))

	var got map[string][]int
	require.NoError(t, LoadJson(path, &got))
	assert.Equal(t, []int{7}, got["scores"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestLoadJsonMissing(t *testing.T) {
	var out map[string]int
	err := LoadJson(filepath.Join(t.TempDir(), "nope.json"), &out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// SPDX-License-Identifier: MIT

package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupArtifacts(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPublishAndOpen(t *testing.T) {
	s := setupArtifacts(t)

	src := filepath.Join(t.TempDir(), "raw.mp4")
	payload := []byte("fake mp4 bytes")
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	path, err := s.Publish("job-1", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "job-1.mp4"), path)

	r, size, err := s.Open("job-1")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, int64(len(payload)), size)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "published bytes must match generator output")

	// Publish consumes the scratch file.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMissing(t *testing.T) {
	s := setupArtifacts(t)

	_, _, err := s.Open("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists("nope"))
}

func TestPathRejectsTraversal(t *testing.T) {
	s := setupArtifacts(t)

	for _, id := range []string{"", "../evil", "a/b", `a\b`, ".."} {
		_, err := s.Path(id)
		assert.Error(t, err, "id %q must be rejected", id)
	}
}

func TestRemove(t *testing.T) {
	s := setupArtifacts(t)

	src := filepath.Join(t.TempDir(), "raw.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	_, err := s.Publish("job-1", src)
	require.NoError(t, err)

	require.NoError(t, s.Remove("job-1"))
	assert.False(t, s.Exists("job-1"))

	// Removing again is a no-op.
	require.NoError(t, s.Remove("job-1"))
}

func TestScratchPathInsideRoot(t *testing.T) {
	s := setupArtifacts(t)

	p, err := s.ScratchPath("job-1")
	require.NoError(t, err)
	assert.Equal(t, s.Dir(), filepath.Dir(p))

	_, err = s.ScratchPath("../job")
	assert.Error(t, err)
}

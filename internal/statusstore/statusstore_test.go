package statusstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOnMissingFileIsZero(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "status.json"))

	st, err := s.Get("ABC123")
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.Empty(t, st.User)
}

func TestSetGetRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	s := New(path)

	require.NoError(t, s.Set("ABC123", Status{Done: true, User: "claire"}))
	require.NoError(t, s.Set("XYZ789", Status{Done: false, User: "paul"}))

	st, err := s.Get("ABC123")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, "claire", st.User)

	// A fresh store over the same file sees persisted data.
	st, err = New(path).Get("XYZ789")
	require.NoError(t, err)
	assert.Equal(t, "paul", st.User)

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetOverwrites(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "status.json"))

	require.NoError(t, s.Set("ABC123", Status{Done: false, User: "paul"}))
	require.NoError(t, s.Set("ABC123", Status{Done: true, User: "claire"}))

	st, err := s.Get("ABC123")
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, "claire", st.User)
}

func TestSetRejectsEmptyID(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "status.json"))
	assert.Error(t, s.Set("", Status{Done: true}))
}

func TestFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	s := New(path)
	require.NoError(t, s.Set("ABC123", Status{Done: true}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

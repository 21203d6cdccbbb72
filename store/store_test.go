package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_SaveAndLatest(t *testing.T) {
	s, err := New(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = s.Save([]byte(`{"v":1}`), 1, 0)
	require.NoError(t, err)
	id, err := s.Save([]byte(`{"v":2}`), 2, 3)
	require.NoError(t, err)

	snap, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, `{"v":2}`, string(snap.Data))
	assert.Equal(t, 2, snap.ActiveTasks)
	assert.Equal(t, 3, snap.CompletedTasks)
	assert.False(t, snap.SavedAt.IsZero())

	_, err = s.Get(9999)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionStore_Prunes(t *testing.T) {
	s, err := New(":memory:", 2)
	require.NoError(t, err)
	defer s.Close()

	var last int64
	for i := 0; i < 5; i++ {
		last, err = s.Save([]byte("x"), i, 0)
		require.NoError(t, err)
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, last, list[0].ID)
	assert.Equal(t, 4, list[0].ActiveTasks)
	assert.Equal(t, 3, list[1].ActiveTasks)
}

func TestSessionStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	s, err := New(path, 0)
	require.NoError(t, err)
	_, err = s.Save([]byte("persisted"), 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path, 0)
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(snap.Data))
}

package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/store"
)

func newTestManager(t *testing.T, inUse InUseFunc) *Manager {
	t.Helper()
	meta, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	m, err := NewManager(filepath.Join(t.TempDir(), "volumes"), meta, inUse)
	require.NoError(t, err)
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	v, err := m.Create(ctx, "data")
	require.NoError(t, err)
	assert.False(t, v.Implicit)

	info, err := os.Stat(v.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	got, err := m.Get(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, v.Path, got.Path)

	// Re-creating is a no-op returning the existing volume.
	again, err := m.Create(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, v.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestManager_EnsureMarksImplicit(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	v, err := m.Ensure(ctx, "auto")
	require.NoError(t, err)
	assert.True(t, v.Implicit)

	// Ensure on an explicit volume keeps it explicit.
	_, err = m.Create(ctx, "manual")
	require.NoError(t, err)
	v2, err := m.Ensure(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, v2.Implicit)
}

func TestManager_InvalidName(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Create(context.Background(), "../escape")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_RemoveRefusesMounted(t *testing.T) {
	busy := true
	m := newTestManager(t, func(ctx context.Context, name string) (bool, error) {
		return busy, nil
	})
	ctx := context.Background()

	v, err := m.Create(ctx, "data")
	require.NoError(t, err)

	err = m.Remove(ctx, "data")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	busy = false
	require.NoError(t, m.Remove(ctx, "data"))
	_, err = os.Stat(v.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = m.Get(ctx, "data")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_RemoveMissing(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Remove(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

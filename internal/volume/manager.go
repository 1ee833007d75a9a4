// Package volume manages named volumes: durable host directories mounted
// into containers, with lifecycles independent of any container.
package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/pkg/logger"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// InUseFunc reports whether any existing container mounts the named
// volume. The engine provides it so removal can refuse busy volumes.
type InUseFunc func(ctx context.Context, name string) (bool, error)

// Manager backs volumes with directories under its root and records them
// in the metadata store.
type Manager struct {
	root  string
	meta  *store.Store
	inUse InUseFunc
}

// NewManager prepares the volume root.
func NewManager(root string, meta *store.Store, inUse InUseFunc) (*Manager, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create volume root %s: %w", root, err)
	}
	return &Manager{root: root, meta: meta, inUse: inUse}, nil
}

// Create makes a named volume. Creating an existing name returns the
// existing volume unchanged.
func (m *Manager) Create(ctx context.Context, name string) (*domain.Volume, error) {
	return m.create(ctx, name, false)
}

// Ensure returns the named volume, creating it implicitly if absent.
// Used when a container mounts a volume that does not exist yet.
func (m *Manager) Ensure(ctx context.Context, name string) (*domain.Volume, error) {
	return m.create(ctx, name, true)
}

func (m *Manager) create(ctx context.Context, name string, implicit bool) (*domain.Volume, error) {
	if !validName.MatchString(name) {
		return nil, &domain.ValidationError{Field: "volume.name", Reason: fmt.Sprintf("invalid name %q", name)}
	}
	if existing, err := m.meta.GetVolume(ctx, name); err == nil {
		return existing, nil
	}

	v := &domain.Volume{
		Name:      name,
		Path:      filepath.Join(m.root, name, "_data"),
		CreatedAt: time.Now(),
		Implicit:  implicit,
	}
	if err := os.MkdirAll(v.Path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create volume directory: %v", domain.ErrEngineFault, err)
	}
	if err := m.meta.PutVolume(ctx, v); err != nil {
		return nil, err
	}
	logger.Info("Volume created", "name", name, "implicit", implicit)
	return v, nil
}

// Get returns the named volume.
func (m *Manager) Get(ctx context.Context, name string) (*domain.Volume, error) {
	return m.meta.GetVolume(ctx, name)
}

// List returns every volume.
func (m *Manager) List(ctx context.Context) ([]*domain.Volume, error) {
	return m.meta.ListVolumes(ctx)
}

// Remove deletes a volume and its data. Refused while any container
// still mounts it.
func (m *Manager) Remove(ctx context.Context, name string) error {
	v, err := m.meta.GetVolume(ctx, name)
	if err != nil {
		return err
	}
	if m.inUse != nil {
		busy, err := m.inUse(ctx, name)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: volume %s is mounted by a container", domain.ErrStateConflict, name)
		}
	}
	if err := m.meta.DeleteVolume(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(v.Path)); err != nil {
		return fmt.Errorf("%w: failed to delete volume data: %v", domain.ErrEngineFault, err)
	}
	logger.Info("Volume removed", "name", name)
	return nil
}

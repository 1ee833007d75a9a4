package layerfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Driver unions a read-only layer chain with a writable upper directory.
type Driver interface {
	Name() string
	// Mount builds the unified view at merged. lowers are ordered
	// topmost-first (most recently added layer wins on path conflicts).
	// Returns true if a kernel mount was created at merged.
	Mount(merged string, lowers []string, upper, work string) (bool, error)
	// Unmount reverses Mount; safe to call on an already-unmounted dir.
	Unmount(merged string, mounted bool) error
}

// Assembler materializes per-container root filesystems.
type Assembler struct {
	layers *Store
	root   string // per-container working directories
	driver Driver

	mu   sync.Mutex
	live map[string]*RootFS
}

// NewAssembler creates an assembler writing container filesystems under
// dir with the given union driver.
func NewAssembler(dir string, layers *Store, driver Driver) (*Assembler, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create container fs root: %w", err)
	}
	return &Assembler{
		layers: layers,
		root:   dir,
		driver: driver,
		live:   make(map[string]*RootFS),
	}, nil
}

// RootFS is the assembled root filesystem handle for one container.
type RootFS struct {
	ContainerID string
	// Dir is the unified view the container pivots into.
	Dir string
	// UpperDir holds the writable layer's data and outlives Teardown.
	UpperDir string

	assembler *Assembler
	mounted   bool
	once      sync.Once
	err       error
}

// Assemble builds the union view for containerID from the ordered layer
// chain (base-first) plus its writable layer. Re-assembly while a previous
// view is live is rejected; side effects allocate the writable layer's
// backing storage.
func (a *Assembler) Assemble(ctx context.Context, containerID string, layers []digest.Digest, writable digest.Digest) (*RootFS, error) {
	a.mu.Lock()
	if _, ok := a.live[containerID]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: container %s already has an assembled rootfs", domain.ErrAssemblyConflict, containerID)
	}
	a.mu.Unlock()

	// All read-only layers must be present before anything is allocated.
	for _, d := range layers {
		if !a.layers.Exists(d) {
			return nil, &domain.LayerMissingError{Digest: d}
		}
	}

	base := filepath.Join(a.root, containerID)
	merged := filepath.Join(base, "merged")
	upper := filepath.Join(base, "upper")
	work := filepath.Join(base, "work")
	for _, dir := range []string{merged, upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: failed to allocate writable layer %s: %v", domain.ErrAssemblyConflict, writable, err)
		}
	}

	// Driver wants lowers topmost-first; the chain arrives base-first.
	lowers := make([]string, 0, len(layers))
	for i := len(layers) - 1; i >= 0; i-- {
		lowers = append(lowers, a.layers.Path(layers[i]))
	}

	mounted, err := a.driver.Mount(merged, lowers, upper, work)
	if err != nil {
		_ = os.RemoveAll(base)
		return nil, fmt.Errorf("%w: %s driver: %v", domain.ErrAssemblyConflict, a.driver.Name(), err)
	}

	fs := &RootFS{
		ContainerID: containerID,
		Dir:         merged,
		UpperDir:    upper,
		assembler:   a,
		mounted:     mounted,
	}

	a.mu.Lock()
	a.live[containerID] = fs
	a.mu.Unlock()

	logger.Debug("Rootfs assembled", "container", containerID, "driver", a.driver.Name(), "layers", len(layers))
	return fs, nil
}

// Teardown unmounts the unified view. The writable layer's data survives
// until Release. Idempotent: the first call wins, later calls are no-ops.
func (r *RootFS) Teardown() error {
	r.once.Do(func() {
		r.err = r.assembler.driver.Unmount(r.Dir, r.mounted)
		r.assembler.mu.Lock()
		delete(r.assembler.live, r.ContainerID)
		r.assembler.mu.Unlock()
	})
	return r.err
}

// Release destroys the container's writable layer and working directories.
// Called on container removal, after Teardown.
func (a *Assembler) Release(containerID string) error {
	a.mu.Lock()
	if fs, ok := a.live[containerID]; ok {
		a.mu.Unlock()
		if err := fs.Teardown(); err != nil {
			return err
		}
		a.mu.Lock()
	}
	a.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(a.root, containerID)); err != nil {
		return fmt.Errorf("failed to release writable layer of %s: %w", containerID, err)
	}
	return nil
}

// ReleaseMount unmounts a merged view left behind by a previous engine
// process. The writable layer's data is untouched; used during boot
// reconciliation where the view was never live in this process.
func (a *Assembler) ReleaseMount(containerID string) error {
	merged := filepath.Join(a.root, containerID, "merged")
	if _, err := os.Stat(merged); err != nil {
		return nil
	}
	return a.driver.Unmount(merged, true)
}

// Live reports whether a container currently has an assembled rootfs.
func (a *Assembler) Live(containerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[containerID]
	return ok
}

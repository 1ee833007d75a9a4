package layerfs

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Overlay is the kernel overlayfs union driver: copy-on-write, no data
// duplication. Requires CAP_SYS_ADMIN (or a user namespace that grants it).
type Overlay struct{}

func (Overlay) Name() string { return "overlay" }

// Mount creates an overlay mount at merged. lowers arrive topmost-first,
// which matches overlayfs lowerdir ordering. A chain with no read-only
// layers degenerates to a bind of the upper dir.
func (Overlay) Mount(merged string, lowers []string, upper, work string) (bool, error) {
	if len(lowers) == 0 {
		if err := unix.Mount(upper, merged, "", unix.MS_BIND, ""); err != nil {
			return false, fmt.Errorf("bind mount failed: %w", err)
		}
		return true, nil
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowers, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return false, fmt.Errorf("overlay mount failed (%s): %w", opts, err)
	}
	return true, nil
}

// Unmount detaches the overlay. Lazy detach covers a busy mount whose
// container process is still being reaped.
func (Overlay) Unmount(merged string, mounted bool) error {
	if !mounted {
		return nil
	}
	if err := unix.Unmount(merged, 0); err != nil {
		if err == unix.EINVAL || os.IsNotExist(err) {
			// Already unmounted.
			return nil
		}
		if err := unix.Unmount(merged, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", merged, err)
		}
	}
	return nil
}

// Supported probes whether the kernel exposes overlayfs.
func (Overlay) Supported() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "\toverlay\n")
}

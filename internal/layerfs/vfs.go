package layerfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AUFS-style whiteout markers carried inside layer diffs. A ".wh.<name>"
// entry hides <name> from all layers beneath; the opaque marker hides an
// entire directory's lower content.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// VFS is the fallback union driver: it materializes the merged view by
// copying layers bottom-up, honoring whiteouts. No kernel support needed,
// at the cost of disk space and assembly time.
type VFS struct{}

func (VFS) Name() string { return "vfs" }

// Mount copies the chain into merged. lowers arrive topmost-first, so the
// copy walks them in reverse (base-first) and lets later layers win; the
// upper (writable) directory is applied last and merged itself becomes the
// writable view.
func (VFS) Mount(merged string, lowers []string, upper, work string) (bool, error) {
	for i := len(lowers) - 1; i >= 0; i-- {
		if err := applyLayer(lowers[i], merged); err != nil {
			return false, fmt.Errorf("failed to apply layer %s: %w", lowers[i], err)
		}
	}
	if err := applyLayer(upper, merged); err != nil {
		return false, fmt.Errorf("failed to apply writable layer: %w", err)
	}
	return false, nil
}

// Unmount is a no-op for the copy driver; the merged dir is plain files.
func (VFS) Unmount(merged string, mounted bool) error { return nil }

// applyLayer copies one layer's diff onto dest. Whiteout and opaque
// markers are consumed in a pass of their own before any entry is
// copied: markers erase lower-layer content only, never entries of the
// same layer, regardless of walk order.
func applyLayer(src, dest string) error {
	if err := applyWhiteouts(src, dest); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)
		base := filepath.Base(rel)

		// Markers were handled in the first pass, never copied.
		if base == opaqueMarker || strings.HasPrefix(base, whiteoutPrefix) {
			return nil
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode()&0o777)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.RemoveAll(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

// applyWhiteouts erases the dest entries a layer's markers hide.
func applyWhiteouts(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		target := filepath.Join(dest, rel)

		if base == opaqueMarker {
			return clearDir(filepath.Dir(target))
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			hidden := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
			return os.RemoveAll(hidden)
		}
		return nil
	})
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Replace rather than truncate so a file shadowing a symlink works.
	_ = os.RemoveAll(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode&0o777)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

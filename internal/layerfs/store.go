// Package layerfs materializes container root filesystems from stacks of
// content-addressed layers: an ordered read-only chain plus exactly one
// writable layer per container.
package layerfs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Store keeps extracted layer content under <root>/<algorithm>/<encoded>.
// Metadata and reference counts live in the metadata store; this type only
// owns the bytes on disk.
type Store struct {
	root string
	meta *store.Store
}

// NewStore opens the layer content store rooted at dir.
func NewStore(dir string, meta *store.Store) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create layer store root: %w", err)
	}
	return &Store{root: dir, meta: meta}, nil
}

// Path returns the content directory for a layer digest.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, d.Algorithm().String(), d.Encoded())
}

// Exists reports whether the layer's content is present in local storage.
func (s *Store) Exists(d digest.Digest) bool {
	if err := d.Validate(); err != nil {
		return false
	}
	info, err := os.Stat(s.Path(d))
	return err == nil && info.IsDir()
}

// Import extracts a tar stream into the store, addressing it by the digest
// of the stream bytes, and registers the layer's metadata. parent is empty
// for a base layer. Import of an already-present layer is a no-op that
// returns the existing metadata.
func (s *Store) Import(ctx context.Context, parent digest.Digest, r io.Reader) (domain.Layer, error) {
	tmp, err := os.MkdirTemp(s.root, "import-")
	if err != nil {
		return domain.Layer{}, fmt.Errorf("failed to stage layer import: %w", err)
	}
	defer os.RemoveAll(tmp)

	digester := digest.Canonical.Digester()
	size, err := extractTar(io.TeeReader(r, digester.Hash()), tmp)
	if err != nil {
		return domain.Layer{}, fmt.Errorf("failed to extract layer: %w", err)
	}

	d := digester.Digest()
	layer := domain.Layer{
		Digest:    d,
		Parent:    parent,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
	}

	dest := s.Path(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return domain.Layer{}, fmt.Errorf("failed to create layer directory: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		if s.Exists(d) {
			// Same content imported concurrently; keep the winner.
			logger.Debug("Layer already present, reusing", "digest", d)
		} else {
			return domain.Layer{}, fmt.Errorf("failed to commit layer %s: %w", d, err)
		}
	}

	if err := s.meta.AddLayer(ctx, layer); err != nil {
		return domain.Layer{}, err
	}
	logger.Debug("Layer imported", "digest", d, "size", size)
	return layer, nil
}

// Remove deletes a layer's backing content. Callers must only do this
// after the metadata store reports the refcount collected to zero.
func (s *Store) Remove(d digest.Digest) error {
	if err := os.RemoveAll(s.Path(d)); err != nil {
		return fmt.Errorf("failed to remove layer %s: %w", d, err)
	}
	return nil
}

// extractTar unpacks a plain tar stream under dest, refusing path escapes.
func extractTar(r io.Reader, dest string) (int64, error) {
	tr := tar.NewReader(r)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return total, fmt.Errorf("tar entry %q escapes layer root", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return total, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return total, err
			}
			n, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return total, err
			}
			total += n
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return total, err
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(dest, filepath.Clean(hdr.Linkname)), target); err != nil {
				return total, err
			}
		default:
			// Device nodes and the like are skipped; layers extracted by an
			// unprivileged engine cannot carry them.
			continue
		}
	}
}

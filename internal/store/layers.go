package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/wharfd/wharfd/internal/domain"
)

var layerOwnedKeys = []string{"digest", "parent", "size_bytes", "created_at"}

// AddLayer registers a layer's metadata. Content is stored separately by
// the layer store; the refcount starts at zero.
func (s *Store) AddLayer(ctx context.Context, l domain.Layer) error {
	blob, err := mergeRecord(nil, l, layerOwnedKeys)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO layers (digest, parent, refcount, record) VALUES (?, ?, 0, ?)
		ON CONFLICT(digest) DO UPDATE SET record = excluded.record`,
		l.Digest.String(), l.Parent.String(), string(blob))
	if err != nil {
		return fmt.Errorf("%w: failed to register layer %s: %v", domain.ErrEngineFault, l.Digest, err)
	}
	return nil
}

// GetLayer returns the metadata and current refcount of a layer.
func (s *Store) GetLayer(ctx context.Context, d digest.Digest) (domain.Layer, int64, error) {
	var blob []byte
	var refs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT record, refcount FROM layers WHERE digest = ?", d.String()).Scan(&blob, &refs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Layer{}, 0, &domain.LayerMissingError{Digest: d}
	}
	if err != nil {
		return domain.Layer{}, 0, fmt.Errorf("%w: failed to query layer %s: %v", domain.ErrEngineFault, d, err)
	}

	var l domain.Layer
	if err := decodeRecord(blob, &l); err != nil {
		return domain.Layer{}, 0, fmt.Errorf("%w: layer %s: %v", domain.ErrEngineFault, d, err)
	}
	return l, refs, nil
}

// AcquireLayers atomically increments the refcount of every listed layer.
// All-or-nothing: if any layer is unregistered the whole acquisition fails
// with LayerMissing and no count changes.
func (s *Store) AcquireLayers(ctx context.Context, digests []digest.Digest) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, d := range digests {
			res, err := tx.ExecContext(ctx,
				"UPDATE layers SET refcount = refcount + 1 WHERE digest = ?", d.String())
			if err != nil {
				return fmt.Errorf("%w: failed to acquire layer %s: %v", domain.ErrEngineFault, d, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &domain.LayerMissingError{Digest: d}
			}
		}
		return nil
	})
}

// ReleaseLayers atomically decrements refcounts and deletes rows that hit
// zero. It returns the digests whose metadata was garbage collected so the
// caller can remove the backing content. Counts never go negative.
func (s *Store) ReleaseLayers(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var collected []digest.Digest
	err := s.withTx(func(tx *sql.Tx) error {
		for _, d := range digests {
			if _, err := tx.ExecContext(ctx,
				"UPDATE layers SET refcount = refcount - 1 WHERE digest = ? AND refcount > 0", d.String()); err != nil {
				return fmt.Errorf("%w: failed to release layer %s: %v", domain.ErrEngineFault, d, err)
			}

			res, err := tx.ExecContext(ctx,
				"DELETE FROM layers WHERE digest = ? AND refcount = 0", d.String())
			if err != nil {
				return fmt.Errorf("%w: failed to collect layer %s: %v", domain.ErrEngineFault, d, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				collected = append(collected, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collected, nil
}

// LayerRefCount returns the current reference count of a layer.
func (s *Store) LayerRefCount(ctx context.Context, d digest.Digest) (int64, error) {
	_, refs, err := s.GetLayer(ctx, d)
	return refs, err
}

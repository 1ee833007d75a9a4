package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/distribution/reference"

	"github.com/wharfd/wharfd/internal/domain"
)

var imageOwnedKeys = []string{"id", "name", "created_at", "layers", "config"}

// NormalizeImageName canonicalizes an image reference the way the docker
// ecosystem does ("nginx" -> "docker.io/library/nginx:latest").
func NormalizeImageName(name string) (string, error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", &domain.ValidationError{Field: "image", Reason: fmt.Sprintf("unparseable reference %q: %v", name, err)}
	}
	return reference.TagNameOnly(named).String(), nil
}

// PutImage registers an image. Images are read-only once registered, but
// re-registration under the same id updates the record (pull refresh).
func (s *Store) PutImage(ctx context.Context, img *domain.Image) error {
	normalized, err := NormalizeImageName(img.Name)
	if err != nil {
		return err
	}
	img.Name = normalized

	return s.withTx(func(tx *sql.Tx) error {
		var old []byte
		err := tx.QueryRowContext(ctx, "SELECT record FROM images WHERE id = ?", img.ID).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: failed to read image record: %v", domain.ErrEngineFault, err)
		}

		blob, err := mergeRecord(old, img, imageOwnedKeys)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO images (id, name, record) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, record = excluded.record`,
			img.ID, img.Name, string(blob))
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.ValidationError{Field: "image.name", Reason: fmt.Sprintf("name %q already registered", img.Name)}
			}
			return fmt.Errorf("%w: failed to persist image %s: %v", domain.ErrEngineFault, img.ID, err)
		}
		return nil
	})
}

// GetImage resolves an image by id or by (normalized) name.
func (s *Store) GetImage(ctx context.Context, ref string) (*domain.Image, error) {
	img, err := s.scanImage(ctx, "SELECT record FROM images WHERE id = ?", ref)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	normalized, nerr := NormalizeImageName(ref)
	if nerr != nil {
		return nil, &domain.NotFoundError{Kind: "image", Ref: ref}
	}
	return s.scanImage(ctx, "SELECT record FROM images WHERE name = ?", normalized)
}

func (s *Store) scanImage(ctx context.Context, query, arg string) (*domain.Image, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "image", Ref: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query image %s: %v", domain.ErrEngineFault, arg, err)
	}

	var img domain.Image
	if err := decodeRecord(blob, &img); err != nil {
		return nil, fmt.Errorf("%w: image %s: %v", domain.ErrEngineFault, arg, err)
	}
	return &img, nil
}

// ListImages returns all registered images.
func (s *Store) ListImages(ctx context.Context) ([]*domain.Image, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM images ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list images: %v", domain.ErrEngineFault, err)
	}
	defer rows.Close()

	var out []*domain.Image
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		var img domain.Image
		if err := decodeRecord(blob, &img); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

// DeleteImage removes an image record. The caller is responsible for
// releasing the image's layer references first.
func (s *Store) DeleteImage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete image %s: %v", domain.ErrEngineFault, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "image", Ref: id}
	}
	return nil
}

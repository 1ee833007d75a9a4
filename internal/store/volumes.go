package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wharfd/wharfd/internal/domain"
)

var volumeOwnedKeys = []string{"name", "path", "created_at", "implicit"}

// PutVolume upserts a volume record.
func (s *Store) PutVolume(ctx context.Context, v *domain.Volume) error {
	blob, err := mergeRecord(nil, v, volumeOwnedKeys)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO volumes (name, record) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET record = excluded.record`,
		v.Name, string(blob))
	if err != nil {
		return fmt.Errorf("%w: failed to persist volume %s: %v", domain.ErrEngineFault, v.Name, err)
	}
	return nil
}

// GetVolume returns the named volume.
func (s *Store) GetVolume(ctx context.Context, name string) (*domain.Volume, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM volumes WHERE name = ?", name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "volume", Ref: name}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query volume %s: %v", domain.ErrEngineFault, name, err)
	}
	var v domain.Volume
	if err := decodeRecord(blob, &v); err != nil {
		return nil, fmt.Errorf("%w: volume %s: %v", domain.ErrEngineFault, name, err)
	}
	return &v, nil
}

// ListVolumes returns all volumes ordered by name.
func (s *Store) ListVolumes(ctx context.Context) ([]*domain.Volume, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM volumes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list volumes: %v", domain.ErrEngineFault, err)
	}
	defer rows.Close()

	var out []*domain.Volume
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		var v domain.Volume
		if err := decodeRecord(blob, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteVolume removes a volume record.
func (s *Store) DeleteVolume(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM volumes WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("%w: failed to delete volume %s: %v", domain.ErrEngineFault, name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "volume", Ref: name}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wharfd/wharfd/internal/domain"
)

var (
	networkOwnedKeys  = []string{"id", "name", "subnet", "created_at"}
	endpointOwnedKeys = []string{"network_id", "container_id", "ip", "aliases", "primary"}
)

// PutNetwork upserts a network record.
func (s *Store) PutNetwork(ctx context.Context, n *domain.Network) error {
	blob, err := mergeRecord(nil, n, networkOwnedKeys)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO networks (id, name, record) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, record = excluded.record`,
		n.ID, n.Name, string(blob))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ValidationError{Field: "network.name", Reason: fmt.Sprintf("name %q already in use", n.Name)}
		}
		return fmt.Errorf("%w: failed to persist network %s: %v", domain.ErrEngineFault, n.ID, err)
	}
	return nil
}

// GetNetwork resolves a network by id or name.
func (s *Store) GetNetwork(ctx context.Context, ref string) (*domain.Network, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM networks WHERE id = ? OR name = ?", ref, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "network", Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query network %s: %v", domain.ErrEngineFault, ref, err)
	}
	var n domain.Network
	if err := decodeRecord(blob, &n); err != nil {
		return nil, fmt.Errorf("%w: network %s: %v", domain.ErrEngineFault, ref, err)
	}
	return &n, nil
}

// ListNetworks returns all networks ordered by name.
func (s *Store) ListNetworks(ctx context.Context) ([]*domain.Network, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM networks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list networks: %v", domain.ErrEngineFault, err)
	}
	defer rows.Close()

	var out []*domain.Network
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		var n domain.Network
		if err := decodeRecord(blob, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// DeleteNetwork removes a network and, via cascade, its endpoints.
func (s *Store) DeleteNetwork(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM networks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete network %s: %v", domain.ErrEngineFault, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "network", Ref: id}
	}
	return nil
}

// PutEndpoint records a container's membership in a network.
func (s *Store) PutEndpoint(ctx context.Context, e *domain.Endpoint) error {
	blob, err := mergeRecord(nil, e, endpointOwnedKeys)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoints (network_id, container_id, record) VALUES (?, ?, ?)
		ON CONFLICT(network_id, container_id) DO UPDATE SET record = excluded.record`,
		e.NetworkID, e.ContainerID, string(blob))
	if err != nil {
		return fmt.Errorf("%w: failed to persist endpoint %s/%s: %v", domain.ErrEngineFault, e.NetworkID, e.ContainerID, err)
	}
	return nil
}

// ListEndpoints returns endpoints filtered by network id, container id, or
// both; empty strings match everything.
func (s *Store) ListEndpoints(ctx context.Context, networkID, containerID string) ([]*domain.Endpoint, error) {
	query := "SELECT record FROM endpoints WHERE 1=1"
	var args []any
	if networkID != "" {
		query += " AND network_id = ?"
		args = append(args, networkID)
	}
	if containerID != "" {
		query += " AND container_id = ?"
		args = append(args, containerID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list endpoints: %v", domain.ErrEngineFault, err)
	}
	defer rows.Close()

	var out []*domain.Endpoint
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		var e domain.Endpoint
		if err := decodeRecord(blob, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEndpoints removes a container's memberships; networkID narrows the
// removal to one network when non-empty.
func (s *Store) DeleteEndpoints(ctx context.Context, containerID, networkID string) error {
	query := "DELETE FROM endpoints WHERE container_id = ?"
	args := []any{containerID}
	if networkID != "" {
		query += " AND network_id = ?"
		args = append(args, networkID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: failed to delete endpoints for %s: %v", domain.ErrEngineFault, containerID, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wharfd/wharfd/internal/domain"
)

// containerOwnedKeys are the top-level JSON keys the engine writes itself.
// Anything else in the record blob belongs to external collaborators.
var containerOwnedKeys = []string{
	"id", "name", "image_id", "state", "config", "created_at", "started_at",
	"writable_layer", "pid", "start_clock", "exit", "last_error",
}

// PutContainer upserts a container record. The previous blob's unknown
// fields are preserved.
func (s *Store) PutContainer(ctx context.Context, c *domain.Container) error {
	return s.withTx(func(tx *sql.Tx) error {
		var old []byte
		err := tx.QueryRowContext(ctx, "SELECT record FROM containers WHERE id = ?", c.ID).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: failed to read container record: %v", domain.ErrEngineFault, err)
		}

		blob, err := mergeRecord(old, c, containerOwnedKeys)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO containers (id, name, image_id, state, record)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				image_id = excluded.image_id,
				state = excluded.state,
				record = excluded.record`,
			c.ID, c.Name, c.ImageID, string(c.State), string(blob))
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.ValidationError{Field: "name", Reason: fmt.Sprintf("name %q already in use", c.Name)}
			}
			return fmt.Errorf("%w: failed to persist container %s: %v", domain.ErrEngineFault, c.ID, err)
		}
		return nil
	})
}

// GetContainer returns the container with the given id.
func (s *Store) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	return s.scanContainer(ctx, "SELECT record FROM containers WHERE id = ?", id)
}

// GetContainerByName returns the container with the given name.
func (s *Store) GetContainerByName(ctx context.Context, name string) (*domain.Container, error) {
	return s.scanContainer(ctx, "SELECT record FROM containers WHERE name = ?", name)
}

func (s *Store) scanContainer(ctx context.Context, query, arg string) (*domain.Container, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "container", Ref: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query container %s: %v", domain.ErrEngineFault, arg, err)
	}

	var c domain.Container
	if err := decodeRecord(blob, &c); err != nil {
		return nil, fmt.Errorf("%w: container %s: %v", domain.ErrEngineFault, arg, err)
	}
	return &c, nil
}

// ListContainers returns all containers matching the filter, ordered by
// creation time.
func (s *Store) ListContainers(ctx context.Context, filter domain.ContainerFilter) ([]*domain.Container, error) {
	query := "SELECT record FROM containers"
	var clauses []string
	var args []any
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list containers: %v", domain.ErrEngineFault, err)
	}
	defer rows.Close()

	var out []*domain.Container
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: failed to scan container row: %v", domain.ErrEngineFault, err)
		}
		var c domain.Container
		if err := decodeRecord(blob, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	return out, nil
}

// DeleteContainer removes the metadata record. The id becomes reusable
// only for a wholly new container.
func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM containers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete container %s: %v", domain.ErrEngineFault, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineFault, err)
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: "container", Ref: id}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

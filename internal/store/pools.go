// ABOUTME: Worker pool persistence: create, list and owner lookup
// ABOUTME: Pools group workers for deploy planning

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ListPools returns every pool ordered by id
func (s *SQLiteStore) ListPools(ctx context.Context) ([]*Pool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owner_user_id, created_at FROM pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		var p Pool
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerUserID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pool: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		pools = append(pools, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pools: %w", err)
	}
	return pools, nil
}

// CreatePool inserts a new pool.
// Returns ErrDuplicate if a pool with the same id exists.
func (s *SQLiteStore) CreatePool(ctx context.Context, p *Pool) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (id, name, owner_user_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.OwnerUserID, formatTime(p.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting pool: %w", err)
	}

	s.logger.Debug("created pool", "pool_id", p.ID, "owner", p.OwnerUserID)
	return nil
}

// GetPoolOwner returns the owner user id of a pool.
// Returns ErrNotFound if the pool doesn't exist.
func (s *SQLiteStore) GetPoolOwner(ctx context.Context, poolID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_user_id FROM pools WHERE id = ?`, poolID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying pool owner: %w", err)
	}
	return owner, nil
}

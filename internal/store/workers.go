// ABOUTME: Worker identity persistence: list, fetch, upsert, status changes and credentials
// ABOUTME: Credentials are stored as opaque hashes; hashing happens in the auth package

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const workerColumns = `id, pool_id, client_id, name, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var status, createdAt, updatedAt string

	if err := row.Scan(&w.ID, &w.PoolID, &w.ClientID, &w.Name, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Status = WorkerStatus(status)

	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers returns every known worker ordered by id
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workers: %w", err)
	}
	return workers, nil
}

// GetWorker retrieves a worker by id.
// Returns ErrNotFound if the worker doesn't exist.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying worker: %w", err)
	}
	return w, nil
}

// UpsertWorker creates the worker or updates its pool, client id, name and status.
// An empty status defaults to active.
func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *Worker) error {
	if w.Status == "" {
		w.Status = WorkerActive
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, w.Status)
	}

	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	query := `
		INSERT INTO workers (id, pool_id, client_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pool_id = excluded.pool_id,
			client_id = excluded.client_id,
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.PoolID, w.ClientID, w.Name, string(w.Status),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting worker: %w", err)
	}

	s.logger.Debug("upserted worker", "worker_id", w.ID, "status", w.Status)
	return nil
}

// SetWorkerStatus changes the durable status of a worker.
// Returns ErrNotFound if the worker doesn't exist.
func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}
	return requireOneRow(res)
}

// GetWorkerCredential returns the stored credential hash.
// Returns ErrNotFound if the worker is unknown or has no credential.
func (s *SQLiteStore) GetWorkerCredential(ctx context.Context, id string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT credential_hash FROM workers WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}
	if !hash.Valid || hash.String == "" {
		return "", ErrNotFound
	}
	return hash.String, nil
}

// SetWorkerCredential stores a credential hash for an existing worker.
func (s *SQLiteStore) SetWorkerCredential(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET credential_hash = ?, updated_at = ? WHERE id = ?`,
		hash, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

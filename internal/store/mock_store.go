// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	workers     map[string]*Worker
	credentials map[string]string
	pools       map[string]*Pool
	idle        map[string]time.Duration

	// Err, when set, is returned by every read.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		workers:     make(map[string]*Worker),
		credentials: make(map[string]string),
		pools:       make(map[string]*Pool),
		idle:        make(map[string]time.Duration),
	}
}

// ListWorkers returns copies of all workers ordered by id.
func (m *MockStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetWorker returns a copy of the worker.
func (m *MockStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

// UpsertWorker stores a copy of w.
func (m *MockStore) UpsertWorker(ctx context.Context, w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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
	c := *w
	m.workers[w.ID] = &c
	return nil
}

// SetWorkerStatus changes a worker's status.
func (m *MockStore) SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

// GetWorkerCredential returns the stored hash.
func (m *MockStore) GetWorkerCredential(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return "", m.Err
	}
	h, ok := m.credentials[id]
	if !ok {
		return "", ErrNotFound
	}
	return h, nil
}

// SetWorkerCredential stores a hash for an existing worker.
func (m *MockStore) SetWorkerCredential(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[id]; !ok {
		return ErrNotFound
	}
	m.credentials[id] = hash
	return nil
}

// ListPools returns copies of all pools ordered by id.
func (m *MockStore) ListPools(ctx context.Context) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreatePool stores a copy of p.
func (m *MockStore) CreatePool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[p.ID]; exists {
		return ErrDuplicate
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	c := *p
	m.pools[p.ID] = &c
	return nil
}

// GetPoolOwner returns the pool's owner.
func (m *MockStore) GetPoolOwner(ctx context.Context, poolID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return "", m.Err
	}
	p, ok := m.pools[poolID]
	if !ok {
		return "", ErrNotFound
	}
	return p.OwnerUserID, nil
}

// GetIdleReleaseOverride returns the tenant override if set.
func (m *MockStore) GetIdleReleaseOverride(ctx context.Context, guildID string) (time.Duration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return 0, false, m.Err
	}
	d, ok := m.idle[guildID]
	return d, ok, nil
}

// SetIdleReleaseOverride stores a tenant override.
func (m *MockStore) SetIdleReleaseOverride(ctx context.Context, guildID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		return fmt.Errorf("idle release override must not be negative")
	}
	m.idle[guildID] = d
	return nil
}

// ClearIdleReleaseOverride removes a tenant override.
func (m *MockStore) ClearIdleReleaseOverride(ctx context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idle, guildID)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

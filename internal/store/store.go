// ABOUTME: Store interface and data types for the persisted worker registry
// ABOUTME: Defines Worker, Pool and tenant settings plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose id is taken
var ErrDuplicate = errors.New("already exists")

// ErrInvalidStatus is returned for a worker status outside the known set
var ErrInvalidStatus = errors.New("invalid worker status")

// WorkerStatus is the durable lifecycle state of a worker identity
type WorkerStatus string

const (
	WorkerActive    WorkerStatus = "active"
	WorkerInactive  WorkerStatus = "inactive"
	WorkerCorrupt   WorkerStatus = "corrupt"
	WorkerSuspended WorkerStatus = "suspended"
)

// Valid reports whether s is one of the known statuses
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerActive, WorkerInactive, WorkerCorrupt, WorkerSuspended:
		return true
	}
	return false
}

// Worker is the durable identity of one worker process
type Worker struct {
	ID        string       `json:"id"`
	PoolID    string       `json:"poolId"`
	ClientID  string       `json:"clientId"` // application id used for invite links
	Name      string       `json:"name"`
	Status    WorkerStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Pool groups workers under one owner
type Pool struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"ownerUserId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the persisted registry consulted by the control plane.
// The control plane only reads it; writes come from admin tooling.
type Store interface {
	// Workers
	ListWorkers(ctx context.Context) ([]*Worker, error)
	GetWorker(ctx context.Context, id string) (*Worker, error)
	UpsertWorker(ctx context.Context, w *Worker) error
	SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error
	GetWorkerCredential(ctx context.Context, id string) (string, error)
	SetWorkerCredential(ctx context.Context, id, hash string) error

	// Pools
	ListPools(ctx context.Context) ([]*Pool, error)
	CreatePool(ctx context.Context, p *Pool) error
	GetPoolOwner(ctx context.Context, poolID string) (string, error)

	// Tenant settings. ok is false when the tenant has no override.
	GetIdleReleaseOverride(ctx context.Context, guildID string) (d time.Duration, ok bool, err error)
	SetIdleReleaseOverride(ctx context.Context, guildID string, d time.Duration) error
	ClearIdleReleaseOverride(ctx context.Context, guildID string) error

	Close() error
}

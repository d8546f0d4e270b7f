// Package store provides the persisted worker registry using SQLite.
//
// # Architecture
//
// Store is the single interface the control plane reads through:
//
//   - Workers: durable identity, pool membership, status and credential hash
//   - Pools: groups of workers with an owner
//   - Tenant settings: per-guild idle-release override
//
// SQLiteStore implements it over modernc.org/sqlite; MockStore keeps
// everything in memory for tests.
//
// # Worker Status
//
//   - active: expected to be connected
//   - inactive: retired, should not connect
//   - corrupt: identity is broken, should not connect
//   - suspended: temporarily barred
//
// The control plane never writes status itself. Reconciliation only reports
// drift between these records and the live registry.
//
// # Schema
//
// Tables are created on open and column additions are applied as idempotent
// migrations, so an existing database file can be reopened by newer builds.
package store

// Package storage defines the persistent execution record store.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
// The in-memory history ledger stays authoritative for recent activity;
// a store keeps every record across restarts.
package storage

import (
	"context"

	"github.com/jkaninda/shellguard/internal/history"
)

// ExecutionStore persists history records. Both SQLite and PostgreSQL
// backends implement this interface, and it satisfies executor.Recorder.
type ExecutionStore interface {
	// Record inserts one record. Records are append-only.
	Record(ctx context.Context, rec history.Record) error

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]history.Record, error)

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID  string
	Profile string
	Status  history.Status
	Limit   int // Default: DefaultListLimit. Capped at MaxListLimit.
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// EffectiveLimit clamps the filter's limit into [1, MaxListLimit].
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables persistence.
const DriverNone = "none"

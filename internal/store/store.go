// Package store provides the project-state persistence boundary. The core
// treats a project as an opaque versioned blob; no schema migration logic
// lives here.
package store

import (
	"context"
	"fmt"

	"github.com/codeloom/codeloom/pkg/models"
)

// Store is the storage interface for the orchestration core. The in-memory
// implementation serves the single-session deployment; anything durable can
// be swapped in behind the same interface.
type Store interface {
	ProjectStore
	ProviderConfigStore

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Project Store ────────────────────────────────────────────

// ProjectStore persists project snapshots with a monotonically increasing
// version per project. A save with a stale version is rejected, which is
// enough to avoid lost writes across a reload.
type ProjectStore interface {
	// SaveProject stores a snapshot and returns the new version.
	SaveProject(ctx context.Context, p *models.Project) (int64, error)

	// LoadProject returns a deep copy of the stored snapshot.
	LoadProject(ctx context.Context, id string) (*models.Project, error)

	// DeleteProject removes a project entirely.
	DeleteProject(ctx context.Context, id string) error
}

// ── Provider Config Store ────────────────────────────────────

type ProviderConfigStore interface {
	ListProviders(ctx context.Context) ([]models.ProviderConfig, error)
	GetProvider(ctx context.Context, name string) (*models.ProviderConfig, error)
	PutProvider(ctx context.Context, cfg *models.ProviderConfig) error
	DeleteProvider(ctx context.Context, name string) error
}

// ── Errors ───────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrVersionConflict is returned when a save carries a stale version.
type ErrVersionConflict struct {
	ID     string
	Stored int64
	Given  int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("project %s: stale version %d, stored is %d", e.ID, e.Given, e.Stored)
}

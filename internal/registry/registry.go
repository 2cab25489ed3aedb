package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is wrapped by lookups for unknown module names.
	ErrNotFound = errors.New("module not found")

	// ErrDuplicate is wrapped when registering a name already taken.
	ErrDuplicate = errors.New("module already registered")
)

// Module is a named registration: a unit of bytecode addressable by a
// loadable location. The entry export every module must provide is
// engine-wide configuration, not per-registration.
type Module struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageStats accumulates per-module invocation bookkeeping. Failed
// executions count too: they consumed wall-clock time and a slot.
type UsageStats struct {
	InvocationCount int64     `json:"invocation_count"`
	TotalTimeMs     int64     `json:"total_time_ms"`
	LastInvokedAt   time.Time `json:"last_invoked_at,omitzero"`
}

// ModuleListOptions controls pagination for ListModules.
type ModuleListOptions struct {
	Limit  int
	Offset int
}

// Store is the registry's persistence interface: a name→metadata map plus
// statistics counters.
type Store interface {
	// CreateModule inserts a new registration. The ID must be set.
	CreateModule(ctx context.Context, m *Module) error

	// GetModule returns a registration by name.
	GetModule(ctx context.Context, name string) (*Module, error)

	// ListModules returns registrations ordered by name.
	ListModules(ctx context.Context, opts ModuleListOptions) ([]Module, error)

	// DeleteModule removes a registration and its stats.
	DeleteModule(ctx context.Context, name string) error

	// RecordInvocation adds one completed invocation to a module's
	// stats. Called exactly once per task, success or failure.
	RecordInvocation(ctx context.Context, name string, elapsed time.Duration) error

	// Stats returns a module's accumulated usage counters.
	Stats(ctx context.Context, name string) (*UsageStats, error)

	// Close releases resources.
	Close() error
}

// Package store persists run history: one row per pipeline invocation plus
// its phases and per-item terminal failures. The store is observability
// only; the JSON/JSONL artifacts remain the source of truth, so callers
// treat mid-run write failures as loggable, not fatal.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// RunSpec describes a new run before the store assigns it an id.
type RunSpec struct {
	Kind   model.RunKind
	Model  string
	Input  string
	Output string
	Params map[string]any
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind   model.RunKind   `json:"kind,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, spec RunSpec) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error

	// Per-item terminal failures
	RecordItemFailures(ctx context.Context, runID string, failures []model.ItemFailure) error
	ListItemFailures(ctx context.Context, runID string) ([]model.ItemFailure, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the configured backend: a SQLite file path or a Postgres
// connection URL.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("unknown store driver: %s", driver)
	}
}

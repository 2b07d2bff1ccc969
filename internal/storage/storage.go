// Package storage keeps the deployment history and the run lock.
package storage

import (
	"context"
	"path/filepath"

	"github.com/epicollect5/e5deploy/internal/storage/sqlite"
	"github.com/epicollect5/e5deploy/internal/types"
)

// Storage defines the interface for deployment history backends
type Storage interface {
	// Deployments
	CreateDeployment(ctx context.Context, d *types.Deployment) error
	FinishDeployment(ctx context.Context, id string, status types.Status, errText string) error
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]*types.Deployment, error)

	// Task runs
	RecordTaskRun(ctx context.Context, run *types.TaskRun) error
	GetTaskRuns(ctx context.Context, deploymentID string) ([]*types.TaskRun, error)

	// Lifecycle
	Close() error
}

// DatabaseFile is the history database inside the state directory
const DatabaseFile = "history.db"

// ErrNotFound is returned for unknown deployment ids
var ErrNotFound = sqlite.ErrNotFound

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// ConfigForStateDir places the database in stateDir
func ConfigForStateDir(stateDir string) *Config {
	return &Config{Path: filepath.Join(stateDir, DatabaseFile)}
}

// NewStorage opens the SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	path := sqlite.MemoryPath
	if cfg != nil && cfg.Path != "" {
		path = cfg.Path
	}
	return sqlite.New(path)
}

package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/types"
)

// Recorder writes a deployment and its tasks to the history as they run.
// History is best effort: store failures are logged and never stop a
// deployment.
type Recorder struct {
	store  Storage
	logger *zap.Logger

	deploymentID string
	started      map[string]time.Time
}

// NewRecorder creates a recorder writing to store
func NewRecorder(store Storage, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, started: make(map[string]time.Time)}
}

// Begin records the start of d running recipeName
func (r *Recorder) Begin(ctx context.Context, d *recipe.Deployment, recipeName, user string) {
	r.deploymentID = d.ID
	rec := &types.Deployment{
		ID:         d.ID,
		Recipe:     recipeName,
		Host:       d.Config.Host,
		DeployPath: d.Config.DeployPath,
		User:       user,
		Status:     types.StatusRunning,
	}
	if err := r.store.CreateDeployment(ctx, rec); err != nil {
		r.logger.Warn("failed to record deployment", zap.String("deployment", d.ID), zap.Error(err))
		r.deploymentID = ""
	}
}

// End stores the outcome of the run begun with Begin
func (r *Recorder) End(ctx context.Context, runErr error) {
	if r.deploymentID == "" {
		return
	}
	status, errText := outcome(runErr)
	if err := r.store.FinishDeployment(context.WithoutCancel(ctx), r.deploymentID, status, errText); err != nil {
		r.logger.Warn("failed to finish deployment record", zap.String("deployment", r.deploymentID), zap.Error(err))
	}
}

// TaskStarted implements recipe.Observer
func (r *Recorder) TaskStarted(ctx context.Context, d *recipe.Deployment, task string) {
	r.started[task] = time.Now()
}

// TaskFinished implements recipe.Observer
func (r *Recorder) TaskFinished(ctx context.Context, d *recipe.Deployment, task string, elapsed time.Duration, err error) {
	if r.deploymentID == "" {
		return
	}
	status, errText := outcome(err)
	run := &types.TaskRun{
		DeploymentID: r.deploymentID,
		Task:         task,
		Status:       status,
		StartedAt:    r.started[task],
		Duration:     elapsed,
		Error:        errText,
	}
	if recErr := r.store.RecordTaskRun(context.WithoutCancel(ctx), run); recErr != nil {
		r.logger.Warn("failed to record task", zap.String("task", task), zap.Error(recErr))
	}
}

func outcome(err error) (types.Status, string) {
	switch {
	case err == nil:
		return types.StatusSucceeded, ""
	case recipe.IsAbort(err):
		return types.StatusAborted, err.Error()
	default:
		return types.StatusFailed, err.Error()
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/epicollect5/e5deploy/internal/types"
)

// ErrNotFound is returned when a deployment id is unknown
var ErrNotFound = errors.New("deployment not found")

// CreateDeployment records the start of a deployment
func (s *SQLiteStorage) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	if d.Status == "" {
		d.Status = types.StatusRunning
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid deployment: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, recipe, host, deploy_path, user, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Recipe, d.Host, d.DeployPath, d.User, d.Status, d.Error, d.StartedAt.UTC(), sqlNullTime(d.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}
	return nil
}

// FinishDeployment stores the final status of a deployment
func (s *SQLiteStorage) FinishDeployment(ctx context.Context, id string, status types.Status, errText string) error {
	if !status.IsFinal() {
		return fmt.Errorf("invalid final status: %s", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, errText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordTaskRun appends a finished task to its deployment.
// The position is assigned when left at zero and run.ID is populated.
func (s *SQLiteStorage) RecordTaskRun(ctx context.Context, run *types.TaskRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid task run: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	if run.Position == 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM task_runs WHERE deployment_id = ?`,
			run.DeploymentID,
		).Scan(&run.Position)
		if err != nil {
			return fmt.Errorf("failed to query task position: %w", err)
		}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (deployment_id, task, position, status, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.DeploymentID, run.Task, run.Position, run.Status, run.StartedAt.UTC(), run.Duration.Milliseconds(), run.Error)
	if err != nil {
		return fmt.Errorf("failed to insert task run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	run.ID = id
	return nil
}

const deploymentColumns = `id, recipe, host, deploy_path, user, status, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (*types.Deployment, error) {
	d := &types.Deployment{}
	var finishedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Recipe, &d.Host, &d.DeployPath, &d.User, &d.Status, &d.Error, &d.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		d.FinishedAt = &finishedAt.Time
	}
	return d, nil
}

// GetDeployment returns one deployment
func (s *SQLiteStorage) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns the most recent deployments first.
// A limit <= 0 returns every deployment.
func (s *SQLiteStorage) ListDeployments(ctx context.Context, limit int) ([]*types.Deployment, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deployments []*types.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment rows: %w", err)
	}
	return deployments, nil
}

// GetTaskRuns returns the tasks of a deployment in execution order
func (s *SQLiteStorage) GetTaskRuns(ctx context.Context, deploymentID string) ([]*types.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, task, position, status, started_at, duration_ms, error
		FROM task_runs
		WHERE deployment_id = ?
		ORDER BY position ASC, id ASC
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.TaskRun
	for rows.Next() {
		run := &types.TaskRun{}
		var durationMS int64
		err := rows.Scan(&run.ID, &run.DeploymentID, &run.Task, &run.Position, &run.Status,
			&run.StartedAt, &durationMS, &run.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task run rows: %w", err)
	}
	return runs, nil
}

// Times are stored in UTC so started_at sorts chronologically as text
func sqlNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

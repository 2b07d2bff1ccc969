// Package types holds the records kept in the deployment history.
package types

import (
	"fmt"
	"time"
)

// Status is the outcome of a deployment or of one task
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// IsFinal reports whether s ends a deployment
func (s Status) IsFinal() bool {
	return s.IsValid() && s != StatusRunning
}

// Deployment is one run of a recipe (install, update or ad-hoc tasks)
type Deployment struct {
	ID         string     `json:"id"`
	Recipe     string     `json:"recipe"`
	Host       string     `json:"host"`
	DeployPath string     `json:"deploy_path"`
	User       string     `json:"user"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate checks if the deployment has valid field values
func (d *Deployment) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Recipe == "" {
		return fmt.Errorf("recipe is required")
	}
	if !d.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", d.Status)
	}
	if d.FinishedAt != nil && d.FinishedAt.Before(d.StartedAt) {
		return fmt.Errorf("finished_at is before started_at")
	}
	return nil
}

// Duration is the elapsed time of a finished deployment, or zero
func (d *Deployment) Duration() time.Duration {
	if d.FinishedAt == nil {
		return 0
	}
	return d.FinishedAt.Sub(d.StartedAt)
}

// TaskRun is one task executed during a deployment
type TaskRun struct {
	ID           int64         `json:"id"`
	DeploymentID string        `json:"deployment_id"`
	Task         string        `json:"task"`
	Position     int           `json:"position"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Validate checks if the task run has valid field values
func (r *TaskRun) Validate() error {
	if r.DeploymentID == "" {
		return fmt.Errorf("deployment_id is required")
	}
	if r.Task == "" {
		return fmt.Errorf("task is required")
	}
	if !r.Status.IsFinal() {
		return fmt.Errorf("invalid task status: %s", r.Status)
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	return nil
}

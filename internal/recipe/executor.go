package recipe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Observer is told about every task the executor runs
type Observer interface {
	TaskStarted(ctx context.Context, d *Deployment, task string)
	TaskFinished(ctx context.Context, d *Deployment, task string, elapsed time.Duration, err error)
}

// Executor runs recipes from a registry, one task at a time
type Executor struct {
	Registry  *Registry
	Observers []Observer
}

// NewExecutor creates an executor over reg
func NewExecutor(reg *Registry, observers ...Observer) *Executor {
	return &Executor{Registry: reg, Observers: observers}
}

// Run plans names and executes the tasks in order.
//
// The first failing task stops the run. The FailedEvent hooks then run (their
// own failures are reported but not returned) and the task's error comes back
// as a *TaskError.
func (e *Executor) Run(ctx context.Context, d *Deployment, names ...string) error {
	plan, err := e.Registry.Plan(names...)
	if err != nil {
		return err
	}

	d.Logger.Info("starting recipe", zap.Strings("targets", names), zap.Int("tasks", len(plan)))
	for _, t := range plan {
		if err := ctx.Err(); err != nil {
			taskErr := &TaskError{Task: t.Name, Err: fmt.Errorf("not started: %w", err)}
			e.fail(ctx, d, taskErr)
			return taskErr
		}

		if err := e.runTask(ctx, d, t); err != nil {
			taskErr := &TaskError{Task: t.Name, Err: err}
			e.fail(ctx, d, taskErr)
			return taskErr
		}
	}
	d.Logger.Info("recipe finished", zap.Strings("targets", names))
	return nil
}

func (e *Executor) runTask(ctx context.Context, d *Deployment, t *Task) error {
	d.Console.Task(t.Name)
	for _, o := range e.Observers {
		o.TaskStarted(ctx, d, t.Name)
	}

	start := time.Now()
	err := t.Fn(ctx, d)
	elapsed := time.Since(start)

	for _, o := range e.Observers {
		o.TaskFinished(ctx, d, t.Name, elapsed, err)
	}

	log := d.Logger.With(zap.String("task", t.Name), zap.Duration("duration", elapsed))
	if err != nil {
		log.Error("task failed", zap.Error(err))
		return err
	}
	log.Debug("task done")
	return nil
}

// fail runs the FailedEvent hooks. Cancellation of ctx must not prevent the
// cleanup, so hooks get a context without the parent's deadline.
func (e *Executor) fail(ctx context.Context, d *Deployment, cause *TaskError) {
	if IsAbort(cause) {
		d.Console.Error("%s", cause.Err.Error())
	} else {
		d.Console.Error("%s", cause.Error())
	}

	hooks := e.Registry.Hooks(FailedEvent)
	if len(hooks) == 0 {
		return
	}
	plan, err := e.Registry.Plan(hooks...)
	if err != nil {
		d.Logger.Error("invalid failure hooks", zap.Error(err))
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)
	for _, t := range plan {
		if err := e.runTask(cleanupCtx, d, t); err != nil {
			d.Console.Error("failure hook %s: %v", t.Name, err)
		}
	}
}

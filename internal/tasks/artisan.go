package tasks

import (
	"context"
	"path/filepath"

	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

func registerArtisan(reg *recipe.Registry) {
	reg.Task("artisan:migrate", migrate("migrate --force")).
		Desc("Execute artisan migrate").RunOnce()
	reg.Task("artisan:migrate:rollback", migrate("migrate:rollback --force")).
		Desc("Execute artisan migrate:rollback").RunOnce()
	reg.Task("artisan:migrate:status", migrateStatus).
		Desc("Execute artisan migrate:status").RunOnce()

	reg.Task("artisan:about", inCurrent("{{bin/php}} artisan about")).
		Desc("Show the application environment")
	reg.Task("composer:dump-autoload", inCurrent("{{bin/composer}} dump-autoload -o")).
		Desc("Rebuild the optimized autoloader")
	reg.Task("setup:storage:link", artisanStep("storage:link", "artisan storage:link executed.")).
		Desc("Execute artisan storage:link")
	reg.Task("setup:key:generate", artisanStep("key:generate", "artisan key:generate executed.")).
		Desc("Execute artisan key:generate")

	reg.Task("artisan:down", artisanDown).
		Desc("Put the live release into maintenance mode")
	reg.Task("artisan:up", inCurrent("{{bin/php}} artisan up")).
		Desc("Bring the live release out of maintenance mode")

	reg.Task("setup:after_pull", afterPull).
		Desc("Run the after pull script of the live release")
	reg.Task("deploy:unlock", unlock).
		Desc("Remove the deployment lock")
	reg.Task("install:success", func(ctx context.Context, d *recipe.Deployment) error {
		d.Console.Info("🎉 Epicollect5 installation completed successfully!")
		return nil
	}).Hide()
}

func migrate(args string) recipe.TaskFunc {
	return func(ctx context.Context, d *recipe.Deployment) error {
		out, err := d.Run(ctx, "{{bin/php}} {{release_path}}/artisan "+args,
			shell.WithTimeout(d.Config.Timeouts.Migrate))
		if err != nil {
			return err
		}
		d.Console.Info("%s", out)
		return nil
	}
}

func migrateStatus(ctx context.Context, d *recipe.Deployment) error {
	_, err := d.Run(ctx, "{{bin/php}} {{release_path}}/artisan migrate:status", shell.WithRealTimeOutput())
	return err
}

// inCurrent runs command from the live release with its output streamed
func inCurrent(command string) recipe.TaskFunc {
	return func(ctx context.Context, d *recipe.Deployment) error {
		_, err := d.Run(ctx, "cd {{current_path}} && "+command, shell.WithRealTimeOutput())
		return err
	}
}

func artisanStep(subcommand, done string) recipe.TaskFunc {
	return func(ctx context.Context, d *recipe.Deployment) error {
		if _, err := d.Run(ctx, "cd {{current_path}} && {{bin/php}} artisan "+subcommand); err != nil {
			return err
		}
		d.Console.Info("%s", done)
		return nil
	}
}

func artisanDown(ctx context.Context, d *recipe.Deployment) error {
	target, err := d.Runner.Run(ctx, shell.Quote("readlink", d.Config.CurrentPath()))
	if err != nil {
		return err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(d.Config.DeployPath, target)
	}
	d.Console.Writeln("Current symlink points to: %s", target)
	_, err = d.Run(ctx, "cd "+shell.Quote(target)+" && {{bin/php}} artisan down")
	return err
}

func afterPull(ctx context.Context, d *recipe.Deployment) error {
	script := d.Config.AfterPullScript
	path := filepath.Join(d.Config.CurrentPath(), script)
	if _, err := d.Runner.Run(ctx, shell.Quote("chmod", "+x", path)); err != nil {
		return err
	}

	out, err := d.Run(ctx, "cd {{current_path}} && ./"+shell.Quote(script))
	if err != nil {
		return err
	}
	d.Console.Info("Output of %s:", script)
	d.Console.Writeln("%s", out)
	return nil
}

// LockFile is the lock the external deployment tool leaves in the deploy path
const LockFile = ".deploy.lock"

func unlock(ctx context.Context, d *recipe.Deployment) error {
	lock := shell.Quote(filepath.Join(d.Config.DeployPath, LockFile))
	locked, err := d.Runner.Test(ctx, "[ -f "+lock+" ]")
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	_, err = d.Runner.Run(ctx, "rm -f "+lock)
	return err
}

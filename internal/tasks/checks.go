package tasks

import (
	"context"

	"github.com/epicollect5/e5deploy/internal/host"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

func registerChecks(reg *recipe.Registry) {
	reg.Task("check:not_root", checkNotRoot).
		Desc("Refuse to deploy as root")
	reg.Task("setup:check_clean_install", checkCleanInstall).
		Desc("Refuse to install over an existing release")
}

func checkNotRoot(ctx context.Context, d *recipe.Deployment) error {
	user, err := host.CurrentUser(ctx, d.Runner)
	if err != nil {
		return err
	}
	if user == "root" {
		return recipe.Abort("Deployment must not be run as root. Aborting.")
	}
	return nil
}

func checkCleanInstall(ctx context.Context, d *recipe.Deployment) error {
	exists, err := d.Runner.Test(ctx, shell.Quote("test", "-L", d.Config.CurrentPath()))
	if err != nil {
		return err
	}
	if exists {
		return recipe.Abort("A release already exists. Skipping install.")
	}
	return nil
}

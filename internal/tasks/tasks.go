// Package tasks is the Epicollect5 server recipe: every task of an install or
// update, the two groups that order them and the failure hook.
package tasks

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/epicollect5/e5deploy/internal/host"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

// InstallOrder is the install recipe, from an empty deploy path to a live site
var InstallOrder = []string{
	"check:not_root",
	"setup:check_clean_install",
	"deploy:prepare",
	"deploy:vendors",
	"deploy:publish",
	"setup:database",
	"setup:env",
	"setup:key:generate",
	"setup:storage:link",
	"setup:passport:keys",
	"setup:superadmin",
	"setup:alerts",
	"setup:symlink_deploy_file",
	"setup:symlink_laravel_storage_folders_file",
	"setup:update_permissions:bash_scripts",
	"setup:update_permissions:api_keys",
	"setup:update_permissions:.env",
	"setup:merge_overrides",
	"setup:after_pull",
	"artisan:migrate",
	"setup:stats",
	"artisan:up",
	"install:success",
}

// UpdateOrder is the update recipe for an existing installation
var UpdateOrder = []string{
	"check:not_root",
	"artisan:down",
	"deploy:prepare",
	"deploy:vendors",
	"deploy:publish",
	"setup:symlink_deploy_file",
	"setup:symlink_laravel_storage_folders_file",
	"setup:update_permissions:bash_scripts",
	"setup:update_permissions:api_keys",
	"setup:update_permissions:.env",
	"setup:merge_overrides",
	"setup:after_pull",
	"artisan:migrate",
	"artisan:up",
	"install:success",
}

// Register adds every task, the install and update groups and the
// deploy:failed hook to reg.
func Register(reg *recipe.Registry) {
	registerChecks(reg)
	registerDelegated(reg)
	registerDatabase(reg)
	registerEnv(reg)
	registerPermissions(reg)
	registerArtisan(reg)

	reg.Group("install", "Install Epicollect5 release from scratch", InstallOrder...)
	reg.Group("update", "Update Epicollect5 to a new release", UpdateOrder...)

	// If a deployment fails, unlock automatically.
	reg.After(recipe.FailedEvent, "deploy:unlock")
}

// NewRegistry returns a registry holding the full recipe
func NewRegistry() *recipe.Registry {
	reg := recipe.NewRegistry()
	Register(reg)
	return reg
}

// httpUser aborts the recipe when no web server user can be found
func httpUser(ctx context.Context, d *recipe.Deployment) (string, error) {
	user, err := host.HTTPUser(ctx, d.Runner)
	if errors.Is(err, host.ErrNoHTTPUser) {
		return "", recipe.Abort("Unable to determine the HTTP server user.")
	}
	return user, err
}

// releasePath resolves {{release_path}} and joins elem onto it
func releasePath(ctx context.Context, d *recipe.Deployment, elem ...string) (string, error) {
	base, err := d.Var(ctx, "release_path")
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{base}, elem...)...), nil
}

// sudo runs a quoted command under sudo
func sudo(ctx context.Context, d *recipe.Deployment, args ...string) error {
	_, err := d.Runner.Run(ctx, "sudo "+shell.Quote(args...))
	return err
}

// inDocker detects the container environment once per run
func inDocker(ctx context.Context, d *recipe.Deployment) (bool, error) {
	const key = "in_docker"
	if d.Has(key) {
		return d.Get(key) == "true", nil
	}
	check, err := host.DetectDocker(ctx, d.Runner, d.Secrets.DockerEnv)
	if err != nil {
		return false, err
	}
	if check.InDocker {
		d.Console.Comment("Docker environment detected via %s", check.Source)
		d.Set(key, "true")
	} else {
		d.Set(key, "false")
	}
	return check.InDocker, nil
}

package tasks

import (
	"context"
	"path/filepath"

	"github.com/epicollect5/e5deploy/internal/host"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

func registerPermissions(reg *recipe.Registry) {
	reg.Task("setup:passport:keys", passportKeys).
		Desc("Generate the passport keys")
	reg.Task("setup:update_permissions:api_keys", updatePermissionsAPIKeys).
		Desc("Give the passport keys to the web server user")
	reg.Task("setup:update_permissions:.env", updatePermissionsEnv).
		Desc("Make the shared .env readable by the web server group only")
	reg.Task("setup:update_permissions:bash_scripts", updatePermissionsBashScripts).
		Desc("Restrict the release bash scripts to their owner")
	reg.Task("setup:cache_folders", cacheFolders).
		Desc("Create the cache folders writable by the web server")
	reg.Task("setup:symlink_deploy_file", symlinkDeployFile).
		Desc("Link the recipe file of the live release into the deploy path")
	reg.Task("setup:symlink_laravel_storage_folders_file", symlinkStorageFoldersFile).
		Desc("Link the storage folders script of the live release into the deploy path")
}

func passportKeys(ctx context.Context, d *recipe.Deployment) error {
	if _, err := d.Run(ctx, "cd {{current_path}} && {{bin/php}} artisan passport:keys"); err != nil {
		return err
	}
	d.Console.Writeln("Passport keys generated.")
	return updatePermissionsAPIKeys(ctx, d)
}

func updatePermissionsAPIKeys(ctx context.Context, d *recipe.Deployment) error {
	user, err := httpUser(ctx, d)
	if err != nil {
		return err
	}

	keys := filepath.Join(d.Config.SharedPath(), "storage")
	private := filepath.Join(keys, "oauth-private.key")
	public := filepath.Join(keys, "oauth-public.key")

	steps := [][]string{
		{"chown", user + ":" + user, private},
		{"chown", user + ":" + user, public},
		{"chmod", "600", private},
		{"chmod", "644", public},
	}
	for _, args := range steps {
		if err := sudo(ctx, d, args...); err != nil {
			return err
		}
	}
	d.Console.Info("Passport keys permissions updated.")
	return nil
}

func updatePermissionsEnv(ctx context.Context, d *recipe.Deployment) error {
	group, err := httpUser(ctx, d)
	if err != nil {
		return err
	}
	owner, err := host.CurrentUser(ctx, d.Runner)
	if err != nil {
		return err
	}

	env := d.Config.SharedEnvFile()
	// the deploy user can write, the web server can only read
	if err := sudo(ctx, d, "chown", owner+":"+group, env); err != nil {
		return err
	}
	if err := sudo(ctx, d, "chmod", "640", env); err != nil {
		return err
	}
	d.Console.Info(".env permissions updated.")
	return nil
}

func updatePermissionsBashScripts(ctx context.Context, d *recipe.Deployment) error {
	for _, script := range d.Config.BashScripts {
		path, err := releasePath(ctx, d, script)
		if err != nil {
			return err
		}
		if err := sudo(ctx, d, "chmod", "700", path); err != nil {
			return err
		}
	}
	d.Console.Info("Bash scripts permissions updated.")
	return nil
}

func cacheFolders(ctx context.Context, d *recipe.Deployment) error {
	user, err := httpUser(ctx, d)
	if err != nil {
		return err
	}
	for _, dir := range []string{"bootstrap/cache", "storage/framework/cache/data"} {
		path, err := releasePath(ctx, d, dir)
		if err != nil {
			return err
		}
		for _, args := range [][]string{
			{"mkdir", "-p", path},
			{"chown", "-R", user + ":" + user, path},
			{"chmod", "-R", "775", path},
		} {
			if err := sudo(ctx, d, args...); err != nil {
				return err
			}
		}
		d.Console.Info("%s created (or ignored if existing) successfully.", dir)
	}
	return nil
}

// linkFromCurrent points <deploy_path>/name at current/name
func linkFromCurrent(ctx context.Context, d *recipe.Deployment, name string) (string, error) {
	link := filepath.Join(d.Config.DeployPath, name)
	_, err := d.Runner.Run(ctx, shell.Quote("ln", "-sf", filepath.Join("current", name), link))
	return link, err
}

func symlinkDeployFile(ctx context.Context, d *recipe.Deployment) error {
	if _, err := linkFromCurrent(ctx, d, d.Config.RecipeFile); err != nil {
		return err
	}
	d.Console.Writeln("Symlink to the latest %s has been created.", d.Config.RecipeFile)
	return nil
}

func symlinkStorageFoldersFile(ctx context.Context, d *recipe.Deployment) error {
	script := d.Config.StorageFoldersScript
	link, err := linkFromCurrent(ctx, d, script)
	if err != nil {
		return err
	}
	if err := sudo(ctx, d, "chmod", "+x", link); err != nil {
		return err
	}
	d.Console.Writeln("Symlink to the latest %s has been created and made executable.", script)
	return nil
}

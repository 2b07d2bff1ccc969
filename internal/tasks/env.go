package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/epicollect5/e5deploy/internal/envfile"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/release"
	"github.com/epicollect5/e5deploy/internal/shell"
)

// keyGenerateHelp is the line of .env.example explaining the example APP_KEY
const keyGenerateHelp = "#key below is an example to make php artisan key:generate works"

func registerEnv(reg *recipe.Registry) {
	reg.Task("setup:env", setupEnv).
		Desc("Create the shared .env and .htaccess from the release examples")
	reg.Task("setup:alerts", setupAlerts).
		Desc("Set the system alerts email")
	reg.Task("setup:superadmin", setupSuperadmin).
		Desc("Set the superadmin credentials")
	reg.Task("setup:merge_overrides", mergeOverrides).
		Desc("Merge docker .env overrides and the release version into the shared .env")
	reg.Task("setup:ensure_env_symlink", ensureEnvSymlink).
		Desc("Link current/.env to the shared .env")
}

func setupEnv(ctx context.Context, d *recipe.Deployment) error {
	if !d.Has(dbPasswordKey) {
		return fmt.Errorf("database password not generated; run setup:database first")
	}

	shared := d.Config.SharedPath()
	envExample, err := releasePath(ctx, d, ".env.example")
	if err != nil {
		return err
	}
	htaccessExample, err := releasePath(ctx, d, "public", ".htaccess-example")
	if err != nil {
		return err
	}

	if _, err := d.Runner.Run(ctx, shell.Quote("cp", envExample, d.Config.SharedEnvFile())); err != nil {
		return err
	}
	d.Console.Writeln(".env file copied from .env.example.")

	if _, err := d.Runner.Run(ctx, shell.Quote("cp", htaccessExample, filepath.Join(shared, "public", ".htaccess"))); err != nil {
		return err
	}
	d.Console.Writeln(".htaccess file copied from public/.htaccess-example.")

	db := d.Config.Database
	err = envfile.Update(d.Config.SharedEnvFile(), func(doc *envfile.Document) error {
		doc.Replace("DB_DATABASE", db.Name)
		doc.Replace("DB_USERNAME", db.Username)
		doc.Replace("DB_PASSWORD", envfile.FormatValue(d.Get(dbPasswordKey)))
		doc.BlankLinesWithPrefix(keyGenerateHelp)
		return nil
	})
	if err != nil {
		return err
	}
	d.Console.Writeln(".env file updated successfully.")
	return nil
}

func setupAlerts(ctx context.Context, d *recipe.Deployment) error {
	email := d.Secrets.SystemEmail
	d.Console.Info("Using system email: %s", email)

	err := envfile.Update(d.Config.SharedEnvFile(), func(doc *envfile.Document) error {
		doc.Replace("SYSTEM_EMAIL", envfile.FormatValue(email))
		return nil
	})
	if err != nil {
		return err
	}
	d.Console.Info(".env file updated successfully with system email.")
	return nil
}

func setupSuperadmin(ctx context.Context, d *recipe.Deployment) error {
	s := d.Secrets
	d.AddSecret(s.SuperAdminPassword)
	d.Console.Info("Using superadmin credentials from environment variables")
	d.Console.Writeln("Email: %s", s.SuperAdminEmail)
	d.Console.Writeln("Name: %s %s", s.SuperAdminFirstName, s.SuperAdminLastName)

	err := envfile.Update(d.Config.SharedEnvFile(), func(doc *envfile.Document) error {
		doc.Replace("SUPER_ADMIN_FIRST_NAME", envfile.FormatValue(s.SuperAdminFirstName))
		doc.Replace("SUPER_ADMIN_LAST_NAME", envfile.FormatValue(s.SuperAdminLastName))
		doc.Replace("SUPER_ADMIN_EMAIL", envfile.FormatValue(s.SuperAdminEmail))
		doc.Replace("SUPER_ADMIN_PASSWORD", envfile.FormatValue(s.SuperAdminPassword))
		return nil
	})
	if err != nil {
		return err
	}
	d.Console.Info(".env file updated successfully with superadmin credentials.")
	return nil
}

func mergeOverrides(ctx context.Context, d *recipe.Deployment) error {
	source := d.Config.DockerEnvFile
	d.Console.Comment("Merging keys from %s into shared/.env", source)

	overrides, err := envfile.Read(source)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		d.Console.Comment("%s not found, no keys to merge", source)
		overrides = envfile.Parse(nil)
	}

	d.Console.Comment("Fetching latest tag of %s", d.Config.Repository)
	version, err := release.LatestTag(ctx, d.Runner, d.Config.Repository)
	if err != nil {
		return err
	}

	err = envfile.Update(d.Config.SharedEnvFile(), func(doc *envfile.Document) error {
		for _, key := range d.Config.MergeKeys {
			// copied verbatim so ${VAR} references resolve in the app
			value, ok := overrides.GetLast(key)
			if !ok {
				d.Console.Comment("  - %s not found in Docker .env, skipping", key)
				continue
			}
			doc.Set(key, value)
			if envfile.IsSecretKey(key) {
				value = "******"
			}
			d.Console.Item("%s=%s", key, value)
		}

		// Authentication only via email
		doc.SetUncommenting("AUTH_METHODS", "passwordless")
		doc.SetUncommenting("DB_HOST", "db")

		doc.Set("RELEASE", version.Release)
		doc.Set("PRODUCTION_SERVER_VERSION", version.Tag)
		return nil
	})
	if err != nil {
		return err
	}

	d.Console.Item("RELEASE=%s", version.Release)
	d.Console.Item("PRODUCTION_SERVER_VERSION=%s", version.Tag)
	d.Console.Info("shared/.env updated successfully")
	return nil
}

func ensureEnvSymlink(ctx context.Context, d *recipe.Deployment) error {
	cmd := shell.Quote("ln", "-nfs", d.Config.SharedEnvFile(), filepath.Join(d.Config.CurrentPath(), ".env"))
	d.Console.Comment("Running command: %s", cmd)
	_, err := d.Runner.Run(ctx, cmd)
	return err
}

package tasks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/epicollect5/e5deploy/internal/envfile"
	"github.com/epicollect5/e5deploy/internal/mysql"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

const dbPasswordKey = "db_password"

func registerDatabase(reg *recipe.Registry) {
	reg.Task("setup:database", setupDatabase).
		Desc("Create the application MySQL user and database")
	reg.Task("setup:stats", setupStats).
		Desc("Point the live .env at the database and run the first system stats")
}

func setupDatabase(ctx context.Context, d *recipe.Deployment) error {
	db := d.Config.Database
	d.Console.Info("Starting database setup...")
	d.Console.Comment("Using database name: %s and username: %s", db.Name, db.Username)

	password, err := mysql.GeneratePassword(rand.Reader, db.PasswordLength)
	if err != nil {
		return err
	}
	d.AddSecret(password)
	d.Set(dbPasswordKey, password)
	d.Console.Info("Generated password for '%s', saving to .env", db.Username)

	docker, err := inDocker(ctx, d)
	if err != nil {
		return err
	}
	dbHost := "localhost"
	if docker {
		dbHost = "db"
	}
	d.Console.Comment("Using database host: %s (Docker env: %t)", dbHost, docker)

	diagnose(ctx, d, "MySQL client", "which mysql")
	diagnose(ctx, d, "MySQL process", "pgrep -l mysql")

	script, err := mysql.ProvisionScript(db.Name, db.Username, password)
	if err != nil {
		return err
	}

	strategies := mysql.HostStrategies(dbHost)
	if docker {
		strategies = mysql.DockerStrategies(dbHost)
		err := mysql.WaitReady(ctx, d.Runner, dbHost, mysql.WaitConfig{
			Attempts: db.ReadyAttempts,
			Delay:    db.ReadyDelay,
			Logger:   d.Logger,
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			d.Console.Comment("%v, trying to connect anyway", err)
		}
	} else {
		diagnose(ctx, d, "MySQL socket", "ls -la /var/run/mysqld/")
	}

	p := &mysql.Provisioner{
		Runner:       d.Runner,
		Logger:       d.Logger,
		RootPassword: rootPassword(d),
		Notify: func(a mysql.Attempt) {
			if a.Err != nil {
				d.Console.Comment("Connection %s failed: %v", a.Strategy.Name, a.Err)
				return
			}
			d.Console.Info("Connected to MySQL %s.", a.Strategy.Name)
		},
	}
	if _, err := p.Apply(ctx, strategies, script); err != nil {
		return err
	}

	d.Console.Info("MySQL user and database created successfully.")
	return nil
}

// rootPassword prefers MYSQL_ROOT_PASSWORD from the docker .env and falls back
// to the process environment.
func rootPassword(d *recipe.Deployment) func() (string, error) {
	return func() (string, error) {
		pw := d.Secrets.MySQLRootPassword
		values, err := envfile.LoadValues(d.Config.DockerEnvFile)
		switch {
		case err == nil && values["MYSQL_ROOT_PASSWORD"] != "":
			pw = values["MYSQL_ROOT_PASSWORD"]
		case err != nil && !errors.Is(err, os.ErrNotExist):
			d.Logger.Warn("cannot read docker env file", zap.String("path", d.Config.DockerEnvFile), zap.Error(err))
		}
		if pw == "" {
			return "", fmt.Errorf("MYSQL_ROOT_PASSWORD not found in %s or the environment", d.Config.DockerEnvFile)
		}
		d.AddSecret(pw)
		return pw, nil
	}
}

// diagnose runs an informational command; its failure is only reported
func diagnose(ctx context.Context, d *recipe.Deployment, what, command string) {
	d.Console.Comment("Checking %s...", what)
	if _, err := d.Run(ctx, command, shell.WithRealTimeOutput()); err != nil {
		d.Console.Comment("%s check failed: %v", what, err)
	}
}

func setupStats(ctx context.Context, d *recipe.Deployment) error {
	db := d.Config.Database
	password := d.Get(dbPasswordKey)

	docker, err := inDocker(ctx, d)
	if err != nil {
		return err
	}
	dbHost := "127.0.0.1"
	if docker {
		dbHost = "db"
	}
	d.Console.Info("Using database connection: host=%s, name=%s, user=%s", dbHost, db.Name, db.Username)

	envPath := filepath.Join(d.Config.CurrentPath(), ".env")
	showDBLines(d, envPath, "Current .env database settings:")

	d.Console.Comment("Updating .env file with correct database settings...")
	err = envfile.Update(envPath, func(doc *envfile.Document) error {
		doc.Replace("DB_HOST", dbHost)
		doc.Replace("DB_DATABASE", db.Name)
		doc.Replace("DB_USERNAME", db.Username)
		if password != "" {
			doc.Replace("DB_PASSWORD", envfile.FormatValue(password))
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.Console.Comment("Clearing config cache...")
	if _, err := d.Run(ctx, "cd {{current_path}} && {{bin/php}} artisan config:clear", shell.WithRealTimeOutput()); err != nil {
		return err
	}
	showDBLines(d, envPath, "Updated .env database settings:")

	env := []string{"DB_HOST=" + dbHost, "DB_DATABASE=" + db.Name, "DB_USERNAME=" + db.Username}
	if password != "" {
		env = append(env, "DB_PASSWORD="+password)
	}

	d.Console.Comment("Running system:stats...")
	_, err = d.Run(ctx, "cd {{current_path}} && {{bin/php}} artisan system:stats --deployer",
		shell.WithEnv(env...),
		shell.WithTimeout(d.Config.Timeouts.Stats),
		shell.WithRealTimeOutput(),
	)
	if err != nil {
		d.Console.Error("System stats failed: %v", err)
		diagnose(ctx, d, "database connection", "cd {{current_path}} && {{bin/php}} artisan db:show")
		return err
	}
	d.Console.Info("Initial system stats executed.")
	return nil
}

func showDBLines(d *recipe.Deployment, path, title string) {
	doc, err := envfile.Read(path)
	if err != nil {
		d.Console.Comment("%v", err)
		return
	}
	d.Console.Comment("%s", title)
	for _, line := range doc.DisplayLines("DB_") {
		d.Console.Item("%s", line)
	}
}

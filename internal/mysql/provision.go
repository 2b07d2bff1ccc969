// Package mysql provisions the application database through the mysql client.
package mysql

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/epicollect5/e5deploy/internal/shell"
)

var identifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ProvisionScript returns the SQL that creates (or re-keys) the application
// account and database. Running it twice is harmless.
func ProvisionScript(database, username, password string) (string, error) {
	if !identifier.MatchString(database) {
		return "", fmt.Errorf("invalid database name %q", database)
	}
	if !identifier.MatchString(username) {
		return "", fmt.Errorf("invalid username %q", username)
	}
	pw := quoteString(password)

	statements := []string{
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY %s;", username, pw),
		fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY %s;", username, pw),
		fmt.Sprintf("GRANT USAGE ON *.* TO '%s'@'%%';", username),
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s;", database),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO '%s'@'%%';", database, username),
		"FLUSH PRIVILEGES;",
	}
	return strings.Join(statements, "\n") + "\n", nil
}

func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// Strategy is one way of reaching the server as an administrator
type Strategy struct {
	Name    string
	Command string

	// NeedsRootPassword passes the root password through MYSQL_PWD
	NeedsRootPassword bool
}

// DockerStrategies connect to the db container: socket-style auth first,
// then the root password from the docker environment.
func DockerStrategies(host string) []Strategy {
	cmd := shell.Quote("mysql", "-vvv", "-h"+host, "-uroot")
	return []Strategy{
		{Name: "without password", Command: cmd},
		{Name: "with root password", Command: cmd, NeedsRootPassword: true},
	}
}

// HostStrategies cover the usual local server setups, most specific last
func HostStrategies(host string) []Strategy {
	return []Strategy{
		{Name: "without sudo", Command: "mysql -vvv"},
		{Name: "explicit host", Command: shell.Quote("mysql", "-vvv", "-h"+host)},
		{Name: "sudo", Command: "sudo mysql -vvv"},
		{Name: "tcp", Command: "mysql -vvv -h127.0.0.1 -P3306 -uroot"},
	}
}

// Attempt reports the outcome of one strategy
type Attempt struct {
	Strategy Strategy
	Err      error
}

// Provisioner runs SQL through a chain of connection strategies
type Provisioner struct {
	Runner shell.Runner
	Logger *zap.Logger

	// RootPassword is consulted only when a strategy needs it
	RootPassword func() (string, error)

	// Notify, when set, observes every attempt
	Notify func(Attempt)
}

// Apply feeds script to each strategy in turn until one succeeds and returns
// that strategy. When every strategy fails the error lists all attempts.
func (p *Provisioner) Apply(ctx context.Context, strategies []Strategy, script string) (Strategy, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var result *multierror.Error
	for _, s := range strategies {
		err := p.try(ctx, s, script)
		if p.Notify != nil {
			p.Notify(Attempt{Strategy: s, Err: err})
		}
		if err == nil {
			logger.Info("database provisioned", zap.String("strategy", s.Name))
			return s, nil
		}
		logger.Debug("connection strategy failed", zap.String("strategy", s.Name), zap.Error(err))
		result = multierror.Append(result, fmt.Errorf("%s: %w", s.Name, err))

		if ctx.Err() != nil {
			break
		}
	}

	if result == nil {
		return Strategy{}, fmt.Errorf("no connection strategies configured")
	}
	return Strategy{}, fmt.Errorf("all connection attempts failed: %w", result.ErrorOrNil())
}

func (p *Provisioner) try(ctx context.Context, s Strategy, script string) error {
	opts := []shell.Option{
		shell.WithStdin(strings.NewReader(script)),
		shell.WithRealTimeOutput(),
	}
	if s.NeedsRootPassword {
		if p.RootPassword == nil {
			return fmt.Errorf("root password source not configured")
		}
		pw, err := p.RootPassword()
		if err != nil {
			return fmt.Errorf("failed to read root password: %w", err)
		}
		opts = append(opts, shell.WithEnv("MYSQL_PWD="+pw))
	}

	_, err := p.Runner.Run(ctx, s.Command, opts...)
	return err
}

// WaitConfig controls WaitReady
type WaitConfig struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// WaitReady pings host with mysqladmin until the server answers.
// mysqladmin ping succeeds as soon as the server accepts connections, even
// when the anonymous login is refused.
func WaitReady(ctx context.Context, r shell.Runner, host string, cfg WaitConfig) error {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	cmd := shell.Quote("mysqladmin", "ping", "-h"+host, "--silent")
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := r.Run(ctx, cmd)
			return err
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			cfg.Logger.Debug("database not ready", zap.String("host", host), zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    cfg.Attempts,
		Delay:       cfg.Delay,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("database host %s not ready: %w", host, err)
	}
	return nil
}

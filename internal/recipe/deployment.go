package recipe

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epicollect5/e5deploy/internal/config"
	"github.com/epicollect5/e5deploy/internal/console"
	"github.com/epicollect5/e5deploy/internal/shell"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_/:.-]+)\s*\}\}`)

// Resolver computes a variable when it is first needed in a command
type Resolver func(ctx context.Context, d *Deployment) (string, error)

// Deployment is the state shared by the tasks of one recipe run
type Deployment struct {
	ID      string
	Config  *config.Config
	Secrets config.Secrets
	Runner  shell.Runner
	Console *console.Console
	Logger  *zap.Logger

	vars      map[string]string
	resolvers map[string]Resolver
	values    map[string]string
}

// NewDeployment prepares a run with the standard variables
func NewDeployment(cfg *config.Config, secrets config.Secrets, runner shell.Runner, out *console.Console, logger *zap.Logger) *Deployment {
	if out == nil {
		out = console.Discard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()

	d := &Deployment{
		ID:      id,
		Config:  cfg,
		Secrets: secrets,
		Runner:  runner,
		Console: out,
		Logger:  logger.With(zap.String("deployment", id)),
		vars: map[string]string{
			"deploy_path":  cfg.DeployPath,
			"current_path": cfg.CurrentPath(),
			"shared_path":  cfg.SharedPath(),
			"bin/php":      cfg.Bin.PHP,
			"bin/composer": cfg.Bin.Composer,
			"repository":   cfg.Repository,
			"branch":       cfg.Branch,
			"host":         cfg.Host,
		},
		resolvers: map[string]Resolver{
			"release_path": ResolveReleasePath,
		},
		values: make(map[string]string),
	}
	return d
}

// Set stores a value for later tasks; it is also available as {{key}}
func (d *Deployment) Set(key, value string) {
	d.values[key] = value
}

// Get returns a stored value or "" when unset
func (d *Deployment) Get(key string) string {
	return d.values[key]
}

// Has reports whether key was set during this run
func (d *Deployment) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// SetResolver registers a lazily computed variable
func (d *Deployment) SetResolver(name string, fn Resolver) {
	d.resolvers[name] = fn
}

// Var resolves one variable
func (d *Deployment) Var(ctx context.Context, name string) (string, error) {
	if v, ok := d.values[name]; ok {
		return v, nil
	}
	if v, ok := d.vars[name]; ok {
		return v, nil
	}
	if fn, ok := d.resolvers[name]; ok {
		return fn(ctx, d)
	}
	return "", fmt.Errorf("unknown variable {{%s}}", name)
}

// Expand replaces every {{name}} in s. Unknown names are an error.
func (d *Deployment) Expand(ctx context.Context, s string) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		name := placeholder.FindStringSubmatch(m)[1]
		v, err := d.Var(ctx, name)
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", fmt.Errorf("expanding %q: %w", s, firstErr)
	}
	return out, nil
}

// Run expands command and executes it
func (d *Deployment) Run(ctx context.Context, command string, opts ...shell.Option) (string, error) {
	expanded, err := d.Expand(ctx, command)
	if err != nil {
		return "", err
	}
	return d.Runner.Run(ctx, expanded, opts...)
}

// Test expands command and reports whether it exits 0
func (d *Deployment) Test(ctx context.Context, command string, opts ...shell.Option) (bool, error) {
	expanded, err := d.Expand(ctx, command)
	if err != nil {
		return false, err
	}
	return d.Runner.Test(ctx, expanded, opts...)
}

// AddSecret keeps value out of logs when the runner supports masking
func (d *Deployment) AddSecret(value string) {
	if m, ok := d.Runner.(interface{ AddSecret(string) }); ok {
		m.AddSecret(value)
	}
}

// ResolveReleasePath is the release being built while {{deploy_path}}/release
// exists, otherwise the release {{deploy_path}}/current points to.
func ResolveReleasePath(ctx context.Context, d *Deployment) (string, error) {
	building := filepath.Join(d.Config.DeployPath, "release")
	ok, err := d.Runner.Test(ctx, shell.Quote("test", "-L", building))
	if err != nil {
		return "", err
	}
	if ok {
		return building, nil
	}

	target, err := d.Runner.Run(ctx, shell.Quote("readlink", d.Config.CurrentPath()))
	if err != nil {
		return "", fmt.Errorf("no release found in %s: %w", d.Config.DeployPath, err)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("no release found in %s", d.Config.DeployPath)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(d.Config.DeployPath, target)
	}
	return target, nil
}

// Package host probes the machine being deployed to.
package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/epicollect5/e5deploy/internal/shell"
)

// ErrNoHTTPUser is returned when no non-root web server process is running
var ErrNoHTTPUser = errors.New("unable to determine the HTTP server user")

// DockerCheck is the outcome of docker detection
type DockerCheck struct {
	InDocker bool
	// Source names the probe that decided: "/.dockerenv", "/proc/1/cgroup",
	// "DOCKER_ENV" or "" when none matched
	Source string
}

// DetectDocker checks, in order, for /.dockerenv, a docker cgroup on PID 1,
// and the DOCKER_ENV=true flag.
func DetectDocker(ctx context.Context, r shell.Runner, dockerEnv string) (DockerCheck, error) {
	ok, err := r.Test(ctx, "[ -f /.dockerenv ]")
	if err != nil {
		return DockerCheck{}, fmt.Errorf("docker check failed: %w", err)
	}
	if ok {
		return DockerCheck{InDocker: true, Source: "/.dockerenv"}, nil
	}

	ok, err = r.Test(ctx, "grep -q docker /proc/1/cgroup")
	if err != nil {
		return DockerCheck{}, fmt.Errorf("docker check failed: %w", err)
	}
	if ok {
		return DockerCheck{InDocker: true, Source: "/proc/1/cgroup"}, nil
	}

	if dockerEnv == "true" {
		return DockerCheck{InDocker: true, Source: "DOCKER_ENV"}, nil
	}
	return DockerCheck{}, nil
}

var webServers = map[string]bool{
	"apache":  true,
	"apache2": true,
	"httpd":   true,
	"nginx":   true,
}

// HTTPUser returns the account the web server workers run as
func HTTPUser(ctx context.Context, r shell.Runner) (string, error) {
	out, err := r.Run(ctx, "ps -eo user=,comm=")
	if err != nil {
		return "", fmt.Errorf("failed to list processes: %w", err)
	}
	user := ParseHTTPUser(out)
	if user == "" {
		return "", ErrNoHTTPUser
	}
	return user, nil
}

// ParseHTTPUser picks the first non-root web server process owner from
// "user command" lines.
func ParseHTTPUser(psOutput string) string {
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		user, comm := fields[0], filepath.Base(fields[1])
		if user == "root" {
			continue
		}
		if webServers[comm] || strings.HasPrefix(comm, "nginx:") {
			return user
		}
	}
	return ""
}

// CurrentUser returns the account running the deployment
func CurrentUser(ctx context.Context, r shell.Runner) (string, error) {
	user, err := r.Run(ctx, "whoami")
	if err != nil {
		return "", fmt.Errorf("whoami failed: %w", err)
	}
	return user, nil
}

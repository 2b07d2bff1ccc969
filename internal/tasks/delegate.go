package tasks

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/epicollect5/e5deploy/internal/config"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
)

var delegatedDescriptions = map[string]string{
	"deploy:prepare": "Prepare a new release (external deployment tool)",
	"deploy:vendors": "Install composer vendors (external deployment tool)",
	"deploy:publish": "Publish the release (external deployment tool)",
}

func registerDelegated(reg *recipe.Registry) {
	for _, name := range config.DelegatedTasks {
		reg.Task(name, delegated(name)).Desc(delegatedDescriptions[name])
	}
}

// delegated runs the configured external command for a framework task. The
// release layout settings are exported so the tool can pick them up.
func delegated(name string) recipe.TaskFunc {
	return func(ctx context.Context, d *recipe.Deployment) error {
		tmpl, ok := d.Config.Delegate[name]
		if !ok || strings.TrimSpace(tmpl) == "" {
			return fmt.Errorf("no command configured for %s (set delegate.%q)", name, name)
		}

		cfg := d.Config
		_, err := d.Run(ctx, strings.ReplaceAll(tmpl, "{{task}}", name),
			shell.WithTimeout(cfg.Timeouts.Default),
			shell.WithRealTimeOutput(),
			shell.WithEnv(
				"E5DEPLOY_TASK="+name,
				"E5DEPLOY_DEPLOYMENT="+d.ID,
				"DEPLOY_PATH="+cfg.DeployPath,
				"REPOSITORY="+cfg.Repository,
				"BRANCH="+cfg.Branch,
				"KEEP_RELEASES="+strconv.Itoa(cfg.KeepReleases),
				"SHARED_FILES="+strings.Join(cfg.SharedFiles, " "),
				"SHARED_DIRS="+strings.Join(cfg.SharedDirs, " "),
				"WRITABLE_DIRS="+strings.Join(cfg.WritableDirs, " "),
			),
		)
		return err
	}
}

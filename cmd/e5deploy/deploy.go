package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epicollect5/e5deploy/internal/config"
	"github.com/epicollect5/e5deploy/internal/console"
	"github.com/epicollect5/e5deploy/internal/host"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell"
	"github.com/epicollect5/e5deploy/internal/storage"
	"github.com/epicollect5/e5deploy/internal/tasks"
)

// newRunner builds the shell runner; tests replace it
var newRunner = func(cfg *config.Config, out *console.Console) shell.Runner {
	return shell.NewLocal(cfg.Shell, cfg.Timeouts.Default, logger, out.Stream())
}

func consoleFor(cmd *cobra.Command) *console.Console {
	return console.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func newDeployment(cmd *cobra.Command) *recipe.Deployment {
	out := consoleFor(cmd)
	return recipe.NewDeployment(cfg, config.SecretsFromEnv(os.Getenv), newRunner(cfg, out), out, logger)
}

// runRecipe runs targets under the run lock and records them in the history
func runRecipe(cmd *cobra.Command, name string, targets ...string) error {
	reg := tasks.NewRegistry()
	for _, target := range targets {
		if !reg.Has(target) {
			return fmt.Errorf("task %q not found (see e5deploy tasks)", target)
		}
	}

	stateDir, err := cfg.StatePath()
	if err != nil {
		return err
	}
	lockPath, err := storage.AcquireExclusiveLock(stateDir, "e5deploy "+name, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
			logger.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := newDeployment(cmd)
	var observers []recipe.Observer
	var rec *storage.Recorder
	if !noHistory {
		store, err := storage.NewStorage(ctx, storage.ConfigForStateDir(stateDir))
		if err != nil {
			return fmt.Errorf("failed to open deployment history: %w", err)
		}
		defer func() { _ = store.Close() }()

		user, err := host.CurrentUser(ctx, d.Runner)
		if err != nil {
			logger.Debug("cannot determine user", zap.Error(err))
		}
		rec = storage.NewRecorder(store, logger)
		rec.Begin(ctx, d, name, user)
		observers = append(observers, rec)
	}

	start := time.Now()
	runErr := recipe.NewExecutor(reg, observers...).Run(ctx, d, targets...)
	if rec != nil {
		rec.End(ctx, runErr)
	}
	if runErr != nil {
		return runErr
	}

	d.Console.Info("%s finished in %s (deployment %s)", name, time.Since(start).Round(time.Second), d.ID)
	return nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install Epicollect5 release from scratch",
	Long: `Run the install recipe: database, shared .env, keys, permissions,
migrations and the first system stats. Refuses to run over an existing release.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecipe(cmd, "install", "install")
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update Epicollect5 to a new release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecipe(cmd, "update", "update")
	},
}

var runCmd = &cobra.Command{
	Use:   "run <task>...",
	Short: "Run tasks or groups in the given order",
	Example: `  e5deploy run artisan:migrate:status
  e5deploy run artisan:down artisan:migrate artisan:up`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if len(args) > 1 {
			name = fmt.Sprintf("%s (+%d)", args[0], len(args)-1)
		}
		return runRecipe(cmd, name, args...)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove the deployment lock and a stale e5deploy run lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		out := consoleFor(cmd)

		stateDir, err := cfg.StatePath()
		if err != nil {
			return err
		}
		held, err := storage.ReadLock(stateDir)
		if err != nil && !force {
			return err
		}
		if held != nil && !held.IsStale() && !force {
			return fmt.Errorf("%w (PID %d on %s); use --force to remove it anyway",
				storage.ErrLocked, held.PID, held.Hostname)
		}
		if held != nil || err != nil {
			if err := storage.ReleaseExclusiveLock(filepath.Join(stateDir, storage.LockFile)); err != nil {
				return err
			}
			out.Comment("Removed e5deploy run lock")
		}

		d := newDeployment(cmd)
		if err := recipe.NewExecutor(tasks.NewRegistry()).Run(cmd.Context(), d, "deploy:unlock"); err != nil {
			return err
		}
		out.Info("Unlocked %s", cfg.DeployPath)
		return nil
	},
}

func init() {
	unlockCmd.Flags().Bool("force", false, "Remove the run lock even if its holder looks alive")
}

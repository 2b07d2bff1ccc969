package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/epicollect5/e5deploy/internal/storage"
	"github.com/epicollect5/e5deploy/internal/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent deployments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		deployments, err := store.ListDeployments(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(deployments) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deployments recorded")
			return nil
		}
		printDeployments(cmd.OutOrStdout(), deployments, time.Now())
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <deployment-id>",
	Short: "Show the tasks of one deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		d, err := store.GetDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		runs, err := store.GetTaskRuns(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		printDeployment(cmd.OutOrStdout(), d, runs)
		return nil
	},
}

func openHistory(cmd *cobra.Command) (storage.Storage, error) {
	stateDir, err := cfg.StatePath()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStorage(cmd.Context(), storage.ConfigForStateDir(stateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment history: %w", err)
	}
	return store, nil
}

func statusColor(s types.Status) string {
	switch s {
	case types.StatusSucceeded:
		return color.GreenString(string(s))
	case types.StatusFailed:
		return color.RedString(string(s))
	case types.StatusAborted:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func printDeployments(w io.Writer, deployments []*types.Deployment, now time.Time) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("ID", "RECIPE", "STATUS", "STARTED", "DURATION", "USER")
	for _, d := range deployments {
		duration := "-"
		if d.FinishedAt != nil {
			duration = formatDuration(d.Duration())
		}
		table.AddRow(d.ID, d.Recipe, statusColor(d.Status),
			humanize.RelTime(d.StartedAt, now, "ago", "from now"), duration, d.User)
	}
	fmt.Fprintln(w, table)
}

func printDeployment(w io.Writer, d *types.Deployment, runs []*types.TaskRun) {
	fmt.Fprintf(w, "Deployment %s: %s %s\n", d.ID, d.Recipe, statusColor(d.Status))
	fmt.Fprintf(w, "  Path:    %s (%s)\n", d.DeployPath, d.Host)
	fmt.Fprintf(w, "  Started: %s\n", d.StartedAt.Format(time.RFC3339))
	if d.FinishedAt != nil {
		fmt.Fprintf(w, "  Took:    %s\n", formatDuration(d.Duration()))
	}
	if d.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", color.RedString(d.Error))
	}
	fmt.Fprintln(w)

	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("#", "TASK", "STATUS", "DURATION", "ERROR")
	for _, r := range runs {
		table.AddRow(r.Position, r.Task, statusColor(r.Status), formatDuration(r.Duration), r.Error)
	}
	fmt.Fprintln(w, table)
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of deployments to show")
	historyCmd.AddCommand(historyShowCmd)
}

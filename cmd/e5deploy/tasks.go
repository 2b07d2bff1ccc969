package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/tasks"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the tasks and groups of the recipe",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		fmt.Fprint(cmd.OutOrStdout(), tasksTable(tasks.NewRegistry().Entries(), all))
	},
}

func tasksTable(entries []recipe.Entry, all bool) *uitable.Table {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	table.AddRow("TASK", "DESCRIPTION")
	for _, e := range entries {
		if e.Hidden && !all {
			continue
		}
		desc := e.Description
		if e.Group {
			desc = fmt.Sprintf("%s %s", desc, gray("("+strings.Join(e.Members, ", ")+")"))
		}
		table.AddRow(cyan(e.Name), desc)
	}
	return table
}

func init() {
	tasksCmd.Flags().Bool("all", false, "Include hidden tasks")
}

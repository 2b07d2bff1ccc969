package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epicollect5/e5deploy/internal/envfile"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect or edit the shared .env",
}

var envShowCmd = &cobra.Command{
	Use:   "show [prefix]",
	Short: "Print the shared .env with secrets masked",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = strings.ToUpper(args[0])
		}
		doc, err := envfile.Read(cfg.SharedEnvFile())
		if err != nil {
			return err
		}
		for _, line := range doc.DisplayLines(prefix) {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var envGetCmd = &cobra.Command{
	Use:   "get <KEY>",
	Short: "Print one value of the shared .env",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := envfile.Read(cfg.SharedEnvFile())
		if err != nil {
			return err
		}
		value, ok := doc.Get(args[0])
		if !ok {
			return fmt.Errorf("%s is not set in %s", args[0], cfg.SharedEnvFile())
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var envSetCmd = &cobra.Command{
	Use:   "set <KEY> <value>",
	Short: "Set one value of the shared .env",
	Long: `Set KEY in the shared .env. An existing line is replaced, a commented
"#KEY=" line is uncommented, otherwise the key is appended.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if key == "" || strings.ContainsAny(key, "= \t#") {
			return fmt.Errorf("invalid key %q", key)
		}
		err := envfile.Update(cfg.SharedEnvFile(), func(d *envfile.Document) error {
			d.SetUncommenting(key, envfile.FormatValue(value))
			return nil
		})
		if err != nil {
			return err
		}
		shown := value
		if envfile.IsSecretKey(key) {
			shown = "******"
		}
		consoleFor(cmd).Info("%s=%s", key, shown)
		return nil
	},
}

func init() {
	envCmd.AddCommand(envShowCmd)
	envCmd.AddCommand(envGetCmd)
	envCmd.AddCommand(envSetCmd)
}

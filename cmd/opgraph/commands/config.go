package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage contexts and service configurations.

A context is a named directory holding server.yaml and client.yaml.

Examples:
  opgraph config list
  opgraph config add-context staging
  opgraph config use-context staging
  opgraph config current-context
  opgraph config set server rate_limit.rps 20
  opgraph -c staging config set client twitter_id 1234
  opgraph config show server`,
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "list-contexts"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names, err := cfg.ListContexts()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "No contexts configured.")
			fmt.Fprintln(out, "Create one with: opgraph config add-context <name>")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSERVICES")
		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			services, _ := config.ListServices(cfg.ContextDir(name))
			fmt.Fprintf(w, "%s\t%s\t%s\n", current, name, strings.Join(services, ", "))
		}
		return w.Flush()
	},
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Create a new context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.AddContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Context %q created.", args[0])
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context and its service configs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Context %q deleted.", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Switched to context %q.", args[0])
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Display the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No current context set.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <service> <key> <value>",
	Short: "Set a service config value",
	Long: `Set a value in server.yaml or client.yaml of the selected context.

Nested keys are dotted. Values are parsed as YAML.

Examples:
  opgraph config set server graph_version v3
  opgraph config set server hub.replay_ttl 30m
  opgraph config set server tile_cache.s3.bucket graph-tiles
  opgraph config set client tile_ttl 24h`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := contextDir()
		if err != nil {
			return err
		}
		if err := config.Set(dir, args[0], args[1], args[2]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Set %s.%s", args[0], args[1])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show <service>",
	Short: "Print a service config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ValidateService(args[0]); err != nil {
			return err
		}
		dir, err := contextDir()
		if err != nil {
			return err
		}
		v, err := config.LoadService[map[string]any](dir, args[0])
		if err != nil {
			return err
		}
		return printResult(cmd, v)
	},
}

func init() {
	configCmd.AddCommand(
		configListCmd,
		configAddContextCmd,
		configDeleteContextCmd,
		configUseContextCmd,
		configCurrentContextCmd,
		configSetCmd,
		configShowCmd,
	)
	rootCmd.AddCommand(configCmd)
}

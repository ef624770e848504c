package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cli"
)

var (
	// Global flags
	contextName  string
	verbose      bool
	outputFormat string
	jqExpr       string

	// Global configuration (loaded at init time)
	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "opgraph",
	Short: "Progressive graph tiles and consent label sync",
	Long: `opgraph - serve and consume a large social graph in tiles.

The server answers tile and base node queries, keeps consent labels and
pushes label changes to connected clients. The client side keeps a local
tile store and follows the change feed.

Configuration is stored in the OS config directory:
  macOS:   ~/Library/Application Support/opgraph/
  Linux:   ~/.config/opgraph/
  Windows: %AppData%/opgraph/

Each context holds server.yaml and client.yaml.

Examples:
  opgraph config add-context local
  opgraph config use-context local
  opgraph config set server addr :8080
  opgraph config set server database_url postgres://localhost/graph
  opgraph migrate
  opgraph serve

  opgraph config set client server http://localhost:8080
  opgraph tiles fetch --bounds 0.4,0.4,0.6,0.6 --scale 0.2
  opgraph watch`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&contextName, "context", "c", "", "context to use (default: current context)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&outputFormat, "output", "o", string(cli.FormatYAML), "output format (json, yaml, raw)")
	pf.StringVar(&jqExpr, "jq", "", "jq expression applied to the output")
}

// configLoadErr stores the error from config.Load() for deferred reporting.
var configLoadErr error

func initConfig() {
	cfg, err := config.Load()
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration.
func GetConfig() (*config.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// contextDir resolves --context or the current context.
func contextDir() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}
	return cfg.ResolveContext(contextName)
}

// loadService reads a service file of the selected context. A missing file
// yields the zero configuration so flags alone can drive a command.
func loadService[T any](service string) (*T, error) {
	dir, err := contextDir()
	if errors.Is(err, config.ErrNoContext) {
		return new(T), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := config.LoadService[T](dir, service)
	if errors.Is(err, config.ErrServiceNotFound) {
		return new(T), nil
	}
	return v, err
}

// printResult writes v with the global output flags.
func printResult(cmd *cobra.Command, v any) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return cli.Output(v, cli.OutputOptions{
		Format: format,
		JQ:     jqExpr,
		Indent: "  ",
		Writer: cmd.OutOrStdout(),
	})
}

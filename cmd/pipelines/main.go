// Package main is the entry point for the pipelines binary. It serves
// declarative endpoint pipelines over HTTP and offers offline checks of
// endpoint definition files.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-pipelines/pkg/config"
	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine"
	"github.com/polisai/polis-pipelines/pkg/logging"
)

const defaultConfigPath = ""

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath    string
	endpointsFile string
	logLevel      string
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with its subcommands.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Declarative request pipeline server",
		Long: `Serves HTTP endpoints whose behaviour is declared as pipelines of units:
sequences, concurrent groups and conditional branches.

Example:
  pipelines serve --config config.yaml
  pipelines check --endpoints endpoints.yaml
  pipelines describe orders
  pipelines simulate orders POST --data '{"sku": "abc-1"}'`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	flags.StringVarP(&opts.endpointsFile, "endpoints", "e", "", "Path to endpoint definitions (overrides config)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(opts), newCheckCmd(opts), newDescribeCmd(opts), newSimulateCmd(opts))
	return rootCmd
}

// loadConfig reads the configuration file and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.endpointsFile != "" {
		cfg.Endpoints.File = o.endpointsFile
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// newRegistry creates an empty registry backed by the default unit catalog.
func newRegistry(logger *slog.Logger) *engine.EndpointRegistry {
	catalog := engine.NewDefaultCatalog(logger)
	return engine.NewEndpointRegistry(engine.NewBuilder(catalog, logger), logger)
}

// loadRegistry builds every endpoint in the definitions file.
func loadRegistry(ctx context.Context, path string, logger *slog.Logger) (*engine.EndpointRegistry, domain.Snapshot, error) {
	snapshot, err := config.LoadEndpoints(path)
	if err != nil {
		return nil, domain.Snapshot{}, err
	}
	registry := newRegistry(logger)
	if err := registry.UpdateEndpoints(ctx, snapshot.Endpoints); err != nil {
		return nil, domain.Snapshot{}, err
	}
	return registry, snapshot, nil
}

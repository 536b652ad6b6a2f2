package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "orchestra",
		Short:         "Durable workflow orchestration tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `orchestra works with graph workflow definitions and the stores that run them.

Graph files are YAML (or JSON). Store settings come from the config file
given with --config and from ORCHESTRA__ environment variables.`,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path (YAML)")

	cmd.AddCommand(
		newGraphCmd(),
		newVersionsCmd(opts),
		newContractsCmd(),
		newDLQCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds its logger.
func (o *rootOptions) load() (orchestra.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return orchestra.Config{}, nil, err
	}
	return cfg, config.NewLogger(cfg.Log), nil
}

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra/config"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/version"
)

func newVersionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage workflow version snapshots in the store",
	}
	cmd.AddCommand(newVersionsRegisterCmd(root), newVersionsListCmd(root))
	return cmd
}

func newVersionsRegisterCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register FILE...",
		Short: "Snapshot graph definitions into the configured store",
		Long: `Loads every graph file and records its snapshot so runs started on an
earlier deploy can resume after the definition changes. Registering an
unchanged graph again is a no-op. Run this once per deploy.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			graphs, err := graph.NewRegistry()
			if err != nil {
				return err
			}
			defer graphs.Close()

			for _, path := range args {
				def, source, err := graph.LoadFile(path)
				if err != nil {
					return err
				}
				top, err := graphs.Register(def, source)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				logger.Debug("graph loaded",
					slog.String("workflow", def.Name),
					slog.String("hash", top.Hash),
					slog.String("path", path),
				)
			}

			ctx := cmd.Context()
			s, err := config.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := version.RegisterAll(ctx, graphs, s)
			if err != nil {
				return err
			}
			for _, top := range graphs.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", top.Hash, top.Definition.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d workflow versions\n", n)
			return nil
		},
	}
}

func newVersionsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list WORKFLOW",
		Short: "List the recorded snapshots of a workflow, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := config.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			versions, err := s.ListWorkflowVersions(ctx, args[0])
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					v.GraphHash, v.CreatedAt.Format(time.RFC3339), v.ID)
			}
			return nil
		},
	}
}

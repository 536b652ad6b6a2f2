package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra/graph"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect graph workflow definitions",
	}
	cmd.AddCommand(newGraphValidateCmd(), newGraphHashCmd())
	return cmd
}

func newGraphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate graph definition files",
		Long: `Parses every file and checks it for unknown edge targets, nodes
without an rpc name and cycles without a loop guard. Every file is reported; the
command fails if any of them is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, _, err := graph.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n  %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d nodes, entry %v)\n",
					path, def.Name, len(def.Nodes), graph.FindEntryNodes(def))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d graph files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newGraphHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE...",
		Short: "Print the content hash of graph definition files",
		Long: `Prints the hash runs record when they start on the graph. Formatting
and key order do not change it; any change to nodes, edges or inputs does.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				def, _, err := graph.LoadFile(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				h, err := graph.Hash(def)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", h, def.Name, path)
			}
			return errors.Join(errs...)
		},
	}
}

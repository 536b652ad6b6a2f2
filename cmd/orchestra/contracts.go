package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra/version"
)

type contractsOptions struct {
	manifest  string
	contracts string
	update    bool
}

func newContractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Check function contracts against the committed manifest",
	}
	cmd.AddCommand(newContractsCheckCmd())
	return cmd
}

func newContractsCheckCmd() *cobra.Command {
	opts := &contractsOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate exported function contracts",
		Long: `Compares the contracts a service exports (function.Registry.Contracts,
written as a JSON array) with the manifest. A changed contract must be
published under a new version; released versions are immutable.

With --update the manifest is rewritten to record new versions once the
check passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runContractsCheck(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "orchestra.contracts.json", "Manifest file path")
	cmd.Flags().StringVar(&opts.contracts, "contracts", "", "Exported contracts file (JSON array)")
	cmd.Flags().BoolVar(&opts.update, "update", false, "Record new versions in the manifest")
	_ = cmd.MarkFlagRequired("contracts")
	return cmd
}

func runContractsCheck(cmd *cobra.Command, opts *contractsOptions) error {
	m, err := version.LoadManifest(opts.manifest)
	if err != nil {
		return err
	}
	contracts, err := readContracts(opts.contracts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if issues := version.Validate(m, contracts); len(issues) > 0 {
		for _, is := range issues {
			fmt.Fprintln(out, is.String())
		}
		return &version.ValidationError{Issues: issues}
	}

	if !opts.update {
		fmt.Fprintf(out, "%d contracts ok\n", len(contracts))
		return nil
	}
	next, err := version.Apply(m, contracts)
	if err != nil {
		return err
	}
	if err := version.SaveManifest(opts.manifest, next); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d contracts ok, manifest %s updated\n", len(contracts), opts.manifest)
	return nil
}

func readContracts(path string) ([]version.Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts: %w", err)
	}
	var contracts []version.Contract
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, fmt.Errorf("decode contracts %s: %w", path, err)
	}
	for i, c := range contracts {
		if c.Name == "" {
			return nil, fmt.Errorf("decode contracts %s: entry %d has no name", path, i)
		}
	}
	return contracts, nil
}

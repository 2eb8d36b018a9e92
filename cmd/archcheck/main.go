package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ledgerline/ledgerline/internal/archcheck"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "archcheck:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "archcheck",
		Short:         "Structural checks for the financial write path",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		rootDir    string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every check and report violations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := archcheck.LoadConfig(configPath)
			if err != nil {
				return err
			}
			violations, err := archcheck.Run(rootDir, cfg)
			if err != nil {
				return err
			}

			if jsonOut {
				if violations == nil {
					violations = []archcheck.Violation{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(violations); err != nil {
					return err
				}
			} else {
				for _, v := range violations {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", color.RedString(v.Rule), v.File, v.Detail)
				}
				if len(violations) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("ok"))
				}
			}

			if len(violations) > 0 {
				return fmt.Errorf("%d violation(s)", len(violations))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/archcheck.yaml", "path to the check configuration")
	cmd.Flags().StringVar(&rootDir, "root", ".", "repository root to scan")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit violations as JSON")
	return cmd
}

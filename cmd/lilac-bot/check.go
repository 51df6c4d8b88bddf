package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/archlinuxcn/lilac-bot/internal/nvcheck"
)

func checkCmd() *cobra.Command {
	var nvcheckerPath, stateDir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the version checker and print results without scheduling any build",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configPath, _ := cmd.Flags().GetString("config")
			env, err := loadEnvironment(ctx, configPath)
			if err != nil {
				return err
			}

			driver := &nvcheck.Driver{
				CheckerPath: firstNonEmpty(nvcheckerPath, env.cfg.NvcheckerPath),
				StateDir:    stateDir,
			}
			report, err := driver.Check(ctx, env.recipes, nil)
			if err != nil {
				return fmt.Errorf("running version check: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&nvcheckerPath, "nvchecker-path", "", "override the configured nvchecker-compatible binary")
	cmd.Flags().StringVar(&stateDir, "state-dir", os.ExpandEnv("$HOME/.lilac"), "oldver/newver state directory")
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

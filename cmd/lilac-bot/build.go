package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
	"github.com/archlinuxcn/lilac-bot/internal/workerpool"
)

// buildCmd runs a single pkgbase's build protocol directly against the
// current host, bypassing the history store and scheduler entirely.
// Useful for reproducing or debugging one build without a full batch.
func buildCmd() *cobra.Command {
	var worker string
	var timeLimitHours float64

	cmd := &cobra.Command{
		Use:   "build <pkgbase>",
		Short: "Build a single package outside of any batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configPath, _ := cmd.Flags().GetString("config")
			env, err := loadEnvironment(ctx, configPath)
			if err != nil {
				return err
			}

			pkgbase := args[0]
			info, ok := env.recipes[pkgbase]
			if !ok {
				return fmt.Errorf("no recipe named %s", pkgbase)
			}

			if worker == "" {
				names := env.pool.Names()
				if len(names) == 0 {
					return fmt.Errorf("no workers configured")
				}
				worker = names[0]
			}
			w := env.pool.Worker(worker)
			if w == nil {
				return fmt.Errorf("no such worker %s", worker)
			}
			argv, err := w.WorkerCmd(pkgbase)
			if err != nil {
				return err
			}

			deadline := time.Now().Add(timeLimitFor(info, timeLimitHours))
			launcher := &subprocessLauncher{pool: env.pool, recipes: env.recipes}

			runner, remote := w.(workerpool.RemoteRunner)
			var resultPath string
			if !remote {
				resultFile, err := os.CreateTemp("", "lilac-bot-build-*.json")
				if err != nil {
					return fmt.Errorf("creating result file: %w", err)
				}
				resultPath = resultFile.Name()
				resultFile.Close()
				defer os.Remove(resultPath)
			}

			input := buildworker.Input{
				Pkgbase:    pkgbase,
				WorkerMan:  worker,
				Deadline:   deadline,
				ResultPath: resultPath,
				BuildArgs:  info.BuildArgs,
			}
			data, err := json.Marshal(input)
			if err != nil {
				return fmt.Errorf("marshaling build input: %w", err)
			}

			var result buildtypes.BuildResult
			if remote {
				result = launcher.runRemote(ctx, runner, pkgbase, deadline, data)
			} else {
				result = launcher.run(ctx, argv, data, resultPath)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Kind == buildtypes.ResultFailed {
				return fmt.Errorf("build failed: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker to build on (defaults to the first configured worker)")
	cmd.Flags().Float64Var(&timeLimitHours, "time-limit-hours", 2, "build deadline in hours, overridden by the recipe's own time_limit_hours")
	return cmd
}

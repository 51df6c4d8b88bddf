package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
	"github.com/archlinuxcn/lilac-bot/internal/config"
	"github.com/archlinuxcn/lilac-bot/internal/history"
	"github.com/archlinuxcn/lilac-bot/internal/mailer"
	"github.com/archlinuxcn/lilac-bot/internal/nvcheck"
	"github.com/archlinuxcn/lilac-bot/internal/pacmandb"
	"github.com/archlinuxcn/lilac-bot/internal/planner"
	"github.com/archlinuxcn/lilac-bot/internal/publish"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
	"github.com/archlinuxcn/lilac-bot/internal/scheduler"
	"github.com/archlinuxcn/lilac-bot/internal/vcs"
)

func batchCmd() *cobra.Command {
	var only []string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one full version-check, plan, and scheduled-build pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configPath, _ := cmd.Flags().GetString("config")
			env, err := loadEnvironment(ctx, configPath)
			if err != nil {
				return err
			}
			return runBatch(ctx, env, only, dryRun)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "restrict the batch to these pkgbases")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan but do not dispatch any build")
	return cmd
}

func runBatch(ctx context.Context, env *environment, only []string, dryRun bool) error {
	log := clog.FromContext(ctx)

	if err := pacmandb.Refresh(ctx, env.cfg.OfficialDBPath); err != nil {
		log.Warnf("refreshing pacman databases: %v", err)
	}
	if err := env.pool.PrepareBatch(ctx); err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	careSet := toSet(only)
	driver := &nvcheck.Driver{CheckerPath: env.cfg.NvcheckerPath, NvtakePath: env.cfg.NvtakePath, StateDir: stateDir(env.cfg)}
	report, err := driver.Check(ctx, env.recipes, careSet)
	if err != nil {
		return fmt.Errorf("running version check: %w", err)
	}

	var changedFiles map[string]bool
	if repo, err := vcs.Open(env.cfg.Repodir); err == nil {
		changedFiles, _ = repo.ChangedPkgbases("HEAD~1", "HEAD")
	}

	requested := make(map[string]string)
	for _, pkgbase := range only {
		requested[pkgbase] = "cmdline"
	}

	plan, err := planner.Plan(ctx, env.store, planner.Inputs{
		Recipes:      env.recipes,
		NvResults:    report.Results,
		Rebuild:      report.Rebuild,
		ChangedFiles: changedFiles,
		Requested:    requested,
	})
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	log.Infof("batch plan: %d packages ready", len(plan.Ready))

	if dryRun || len(plan.Ready) == 0 {
		for pkgbase, reason := range plan.Ready {
			log.Infof("%s: %s", pkgbase, reason)
		}
		return nil
	}

	batchID, err := env.store.CreateBatch(ctx, pkgbaseNames(plan.Ready), time.Now())
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}

	mailSvc := mailer.New(mailer.Config{
		Host: env.cfg.SMTP.Host, Port: env.cfg.SMTP.Port,
		Username: env.cfg.SMTP.Username, Password: env.cfg.SMTP.Password,
		UseSSL: env.cfg.SMTP.UseSSL, From: env.cfg.SMTP.From, Send: env.cfg.SMTP.SendMail,
		Tag: "lilac-bot",
	})
	pub := publish.New(env.cfg.SigningKeyPath, env.cfg.RepoDir, env.cfg.StagingDir)
	unsubscribe := env.store.Subscribe(publishAndNotifyListener(ctx, env, pub, mailSvc))
	defer unsubscribe()

	resultDir, err := os.MkdirTemp("", "lilac-bot-results-")
	if err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}
	defer os.RemoveAll(resultDir)

	launcher := &subprocessLauncher{pool: env.pool, recipes: env.recipes, resultDir: resultDir}
	sched := scheduler.New(env.graph, env.pool, env.store, launcher, batchID, env.recipes, plan.Ready, plan.OnBuildVers)
	launcher.sched = sched

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := env.store.CloseBatch(ctx, batchID, time.Now()); err != nil {
		log.Warnf("closing batch: %v", err)
	}
	if err := env.pool.FinishBatch(ctx); err != nil {
		log.Warnf("finishing batch: %v", err)
	}

	if names := committedNames(plan.Ready, sched.Done()); len(names) > 0 {
		if err := driver.Commit(ctx, names); err != nil {
			log.Warnf("committing nvchecker state: %v", err)
		}
	}

	return nil
}

// publishAndNotifyListener signs and installs artifacts for a successful
// build, and mails the responsible maintainers on failure, mirroring
// a "results feed back to Publisher" control flow, driven by a
// history.Store subscription fired on every Record.
func publishAndNotifyListener(ctx context.Context, env *environment, pub *publish.Publisher, mailSvc *mailer.Mailer) history.Listener {
	log := clog.FromContext(ctx)
	return func(pkgbase string, entry history.LogEntry) {
		info, ok := env.recipes[pkgbase]
		if !ok {
			return
		}

		switch entry.Result {
		case buildtypes.ResultSuccessful, buildtypes.ResultStaged:
			artifacts, err := scanArtifacts(info.Dir)
			if err != nil {
				log.Errorf("%s: scanning artifacts for publish: %v", pkgbase, err)
				return
			}
			for _, path := range artifacts {
				if err := pub.Sign(path); err != nil {
					log.Errorf("%s: signing %s: %v", pkgbase, path, err)
					continue
				}
			}
			for _, path := range artifacts {
				if err := pub.Install(buildworker.Artifact{Pkgname: pkgbase}, path, info.Staging); err != nil {
					log.Errorf("%s: installing %s: %v", pkgbase, path, err)
				}
			}
		case buildtypes.ResultFailed:
			subject, body, err := mailSvc.Render(mailer.KindBuildFailed, pkgbase, entry.Error)
			if err != nil {
				log.Errorf("%s: rendering failure mail: %v", pkgbase, err)
				return
			}
			to := maintainerAddresses(info)
			if len(to) == 0 {
				return
			}
			if err := mailSvc.Send(to, subject, body); err != nil {
				log.Errorf("%s: sending failure mail: %v", pkgbase, err)
			}
		}
	}
}

func scanArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".zst" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func maintainerAddresses(info *recipe.RecipeInfo) []string {
	out := make([]string, 0, len(info.Maintainers))
	for _, m := range info.Maintainers {
		if m.Email != "" {
			out = append(out, m.Email)
		}
	}
	return out
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func pkgbaseNames(ready map[string]buildtypes.BuildReason) []string {
	out := make([]string, 0, len(ready))
	for pkgbase := range ready {
		out = append(out, pkgbase)
	}
	return out
}

// committedNames restricts nvchecker's oldver->newver commit to pkgbases
// that were (a) planned because of a detected version bump and (b)
// reached a successful or staged terminal state, so a build failure
// doesn't advance the checker's state out from under a pkgbase that
// still needs the same update attempted again next batch.
func committedNames(ready map[string]buildtypes.BuildReason, done map[string]bool) []string {
	out := make([]string, 0, len(ready))
	for pkgbase, reason := range ready {
		if reason.Kind == buildtypes.ReasonNvChecker && done[pkgbase] {
			out = append(out, pkgbase)
		}
	}
	return out
}

func stateDir(cfg *config.Config) string {
	return os.ExpandEnv("$HOME/.lilac")
}

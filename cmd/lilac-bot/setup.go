package main

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/archlinuxcn/lilac-bot/internal/config"
	"github.com/archlinuxcn/lilac-bot/internal/depgraph"
	"github.com/archlinuxcn/lilac-bot/internal/history"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
	"github.com/archlinuxcn/lilac-bot/internal/vcs"
	"github.com/archlinuxcn/lilac-bot/internal/workerpool"
)

// environment bundles everything a batch or single build needs, built
// once from the loaded config.
type environment struct {
	cfg     *config.Config
	recipes map[string]*recipe.RecipeInfo
	graph   *depgraph.Graph
	store   history.Store
	pool    *workerpool.Manager
}

func loadEnvironment(ctx context.Context, configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err}
	}

	opts := recipe.Options{}
	if repo, err := vcs.Open(cfg.Repodir); err == nil {
		opts.Fallback = repo.Fallback()
	}

	recipes, loadErrs := recipe.Load(cfg.Repodir, opts)
	if len(loadErrs) > 0 {
		log := clog.FromContext(ctx)
		for pkgbase, e := range loadErrs {
			log.Warnf("skipping recipe %s: %v", pkgbase, e)
		}
	}

	graph, cycles := depgraph.Build(recipes)
	if len(cycles) > 0 {
		for pkgbase, c := range cycles {
			clog.FromContext(ctx).Warnf("dependency cycle involving %s: %v", pkgbase, c)
		}
	}

	var store history.Store
	if cfg.DSN != "" {
		if err := history.RunMigrations(cfg.DSN); err != nil {
			return nil, fmt.Errorf("running history migrations: %w", err)
		}
		pgStore, err := history.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to history store: %w", err)
		}
		store = pgStore
	} else {
		store = history.NewMemoryStore()
	}

	workers := make([]workerpool.Worker, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		switch w.Kind {
		case config.WorkerKindLocal:
			workers = append(workers, workerpool.NewLocalWorker(w.Name, w.MaxConcurrency, workerArgv(w.Name)))
		case config.WorkerKindRemoteSSH:
			sw, err := workerpool.NewSSHWorker(w.Name, w.MaxConcurrency, workerpool.SSHConfig{
				Host:       w.SSHHost,
				Port:       w.SSHPort,
				User:       w.SSHUser,
				KeyPath:    w.SSHKeyPath,
				HostKey:    w.SSHHostKey,
				WorkerPath: w.SSHWorkerPath,
			})
			if err != nil {
				return nil, fmt.Errorf("configuring worker %s: %w", w.Name, err)
			}
			workers = append(workers, sw)
		default:
			clog.FromContext(ctx).Warnf("worker %s: kind %s not wired in this build, skipping", w.Name, w.Kind)
		}
	}
	pool, err := workerpool.NewManager(workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &environment{cfg: cfg, recipes: recipes, graph: graph, store: store, pool: pool}, nil
}

func workerArgv(workerName string) []string {
	return []string{"lilac-worker", "-unit-prefix", "lilac-" + workerName}
}

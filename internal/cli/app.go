package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/config"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/lifecycle"
	"github.com/mrz1836/tide/internal/logging"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/vcs"
	"github.com/mrz1836/tide/internal/verify"
	"github.com/mrz1836/tide/internal/worker"
)

// app is what a spec command runs against.
type app struct {
	cfg    *config.Config
	store  store.Store
	engine *lifecycle.Engine
	logger zerolog.Logger
	closer io.Closer
}

// Close releases the log file.
func (a *app) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// appBuilder wires an app from the global flags. Tests replace it to swap
// git and GitHub for fakes.
type appBuilder func(ctx context.Context, flags *GlobalFlags) (*app, error)

// buildApp wires the production stack: file store, script worker, git
// worktrees and gh reviews.
func buildApp(ctx context.Context, flags *GlobalFlags) (*app, error) {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return nil, err
	}
	home, err := cfg.ResolveHome()
	if err != nil {
		return nil, err
	}
	worktrees, err := cfg.ResolveWorktreeDir()
	if err != nil {
		return nil, err
	}

	// Log entries carrying a spec_id land in that spec's event log. The
	// appender is its own store instance so store logging never feeds itself.
	events, err := store.NewFileStore(home)
	if err != nil {
		return nil, err
	}
	lg := logging.New(logging.Options{Verbose: flags.Verbose, Quiet: flags.Quiet, Home: home, Events: events})
	logger := lg.With().Str("component", "tide").Logger()

	st, err := store.NewFileStore(home,
		store.WithLockTimeout(cfg.Store.LockTimeout),
		store.WithSnapshotRetention(cfg.Store.SnapshotRetention),
		store.WithLogger(logger),
	)
	if err != nil {
		_ = lg.Close()
		return nil, err
	}

	ws, err := vcs.NewGitWorkspace(cfg.VCS.RepoPath, worktrees,
		vcs.WithRemote(cfg.VCS.Remote),
		vcs.WithMergeMethod(cfg.VCS.MergeMethod),
		vcs.WithGitLogger(logger),
	)
	if err != nil {
		_ = lg.Close()
		return nil, err
	}
	reviewer := vcs.NewGitHubReviewer(cfg.VCS.RepoPath, nil, logger)

	return &app{
		cfg:    cfg,
		store:  st,
		engine: newEngine(cfg, st, ws, reviewer, logger),
		logger: logger,
		closer: lg,
	}, nil
}

// workspace is what the engine needs from version control: the lifecycle
// capabilities plus per-task checkouts for parallel waves.
type workspace interface {
	vcs.Workspace
	coordinator.Isolator
}

// newEngine assembles verifier, worker, coordinator and lifecycle over the
// given collaborators. The worker commits through ws.
func newEngine(cfg *config.Config, st store.Store, ws workspace, rv vcs.Reviewer, logger zerolog.Logger) *lifecycle.Engine {
	verifier := verify.New(
		verify.WithCache(cfg.Verify.CacheSize, cfg.Verify.CacheTTL),
		verify.WithLogger(logger),
	)
	driver := worker.NewScriptDriver(
		worker.WithTestCommand(cfg.Worker.TestCommand),
		worker.WithFeedbackCommand(cfg.Worker.FeedbackCommand),
		worker.WithCommandTimeout(cfg.Worker.CommandTimeout),
		worker.WithDriverLogger(logger),
	)
	w := worker.NewContract(driver, ws,
		worker.WithChecker(verifier),
		worker.WithProtected(cfg.VCS.IsProtected),
		worker.WithMaxAttempts(cfg.Worker.MaxAttempts),
		worker.WithLogger(logger),
	)
	coord := coordinator.New(st, w,
		coordinator.WithVerifier(verifier),
		coordinator.WithIsolator(ws),
		coordinator.WithMaxWorkers(cfg.Orchestrator.MaxConcurrentWorkers),
		coordinator.WithLogger(logger),
	)
	return lifecycle.NewEngine(st, coord, ws, rv,
		lifecycle.WithSettings(lifecycle.SettingsFromConfig(cfg)),
		lifecycle.WithLogger(logger),
	)
}

// loadConfig loads layered configuration and applies the global flags.
// With --repo the project config is read from that repository.
func loadConfig(ctx context.Context, flags *GlobalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.Repo != "" {
		cfg, err = config.LoadFromDir(ctx, flags.Repo)
	} else {
		cfg, err = config.Load(ctx)
	}
	if err != nil {
		return nil, err
	}

	if flags.Home != "" {
		cfg.Store.Home = flags.Home
	}
	if flags.Repo != "" {
		cfg.VCS.RepoPath = flags.Repo
	}
	if cfg.VCS.RepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.VCS.RepoPath = wd
	}
	return cfg, nil
}

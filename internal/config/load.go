package config

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mrz1836/tide/internal/errors"
)

// newViperInstance creates a new Viper instance with the TIDE_ env prefix and defaults.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var configNotFoundErr viper.ConfigFileNotFoundError
	return stderrors.As(err, &configNotFoundErr)
}

func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Load reads configuration from all available sources with proper precedence.
// Configuration is loaded in the following order (highest precedence first):
//  1. Environment variables (TIDE_* prefix)
//  2. Project config (.tide/config.yaml)
//  3. Global config (~/.tide/config.yaml)
//  4. Built-in defaults
//
// Missing config files are not an error.
func Load(ctx context.Context) (*Config, error) {
	v := newViperInstance()

	if err := loadGlobalConfig(v); err != nil {
		return nil, err
	}
	if err := loadProjectConfig(v); err != nil {
		return nil, err
	}

	cfg, err := unmarshalAndValidate(v)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("component", "config").
		Int("orchestrator.max_concurrent_workers", cfg.Orchestrator.MaxConcurrentWorkers).
		Str("orchestrator.partial_policy", string(cfg.Orchestrator.PartialPolicy)).
		Dur("review.poll_interval", cfg.Review.PollInterval).
		Dur("review.max_duration", cfg.Review.MaxDuration).
		Msg("configuration loaded")

	return cfg, nil
}

func loadGlobalConfig(v *viper.Viper) error {
	path, err := GlobalConfigPath()
	if err != nil || !fileExists(path) {
		return nil //nolint:nilerr // a missing home directory means no global config
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read global config file")
	}
	return nil
}

func loadProjectConfig(v *viper.Viper) error {
	path := ProjectConfigPath()
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read project config file")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadWithOverrides loads configuration and applies CLI flag overrides.
// Only non-zero values in overrides are applied.
func LoadWithOverrides(ctx context.Context, overrides *Config) (*Config, error) {
	cfg, err := Load(ctx)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		applyOverrides(cfg, overrides)
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration after overrides")
	}
	return cfg, nil
}

// LoadFromPaths loads configuration from specific file paths.
// Either path can be empty to skip that level.
func LoadFromPaths(_ context.Context, projectConfigPath, globalConfigPath string) (*Config, error) {
	v := newViperInstance()

	if globalConfigPath != "" {
		v.SetConfigFile(globalConfigPath)
		if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read global config: %s", globalConfigPath)
		}
	}

	if projectConfigPath != "" {
		v.SetConfigFile(projectConfigPath)
		if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read project config: %s", projectConfigPath)
		}
	}

	return unmarshalAndValidate(v)
}

// LoadFromDir loads the project config found under dir/.tide, layered over the global config.
func LoadFromDir(ctx context.Context, dir string) (*Config, error) {
	global, err := GlobalConfigPath()
	if err != nil {
		global = ""
	}
	return LoadFromPaths(ctx, filepath.Join(dir, ProjectConfigPath()), global)
}

// setDefaults registers every default on the Viper instance.
// Keys must match the YAML tag names exactly.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("orchestrator.max_concurrent_workers", d.Orchestrator.MaxConcurrentWorkers)
	v.SetDefault("orchestrator.partial_policy", string(d.Orchestrator.PartialPolicy))

	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	v.SetDefault("worker.test_command", "")
	v.SetDefault("worker.feedback_command", "")
	v.SetDefault("worker.command_timeout", d.Worker.CommandTimeout.String())

	v.SetDefault("review.granularity", string(d.Review.Granularity))
	v.SetDefault("review.poll_interval", d.Review.PollInterval.String())
	v.SetDefault("review.max_duration", d.Review.MaxDuration.String())

	v.SetDefault("vcs.repo_path", "")
	v.SetDefault("vcs.base_branch", d.VCS.BaseBranch)
	v.SetDefault("vcs.remote", d.VCS.Remote)
	v.SetDefault("vcs.protected_branches", d.VCS.ProtectedBranches)
	v.SetDefault("vcs.merge_method", d.VCS.MergeMethod)
	v.SetDefault("vcs.worktree_dir", "")

	v.SetDefault("store.home", "")
	v.SetDefault("store.snapshot_retention", d.Store.SnapshotRetention)
	v.SetDefault("store.lock_timeout", d.Store.LockTimeout.String())

	v.SetDefault("verify.cache_size", d.Verify.CacheSize)
	v.SetDefault("verify.cache_ttl", d.Verify.CacheTTL.String())

	v.SetDefault("session.ttl", d.Session.TTL.String())
}

// applyOverrides merges non-zero override values into the config.
//
// Boolean-free by construction: every overridable field has a meaningful zero
// value that means "not set".
func applyOverrides(cfg, overrides *Config) {
	if overrides.Orchestrator.MaxConcurrentWorkers != 0 {
		cfg.Orchestrator.MaxConcurrentWorkers = overrides.Orchestrator.MaxConcurrentWorkers
	}
	if overrides.Orchestrator.PartialPolicy != "" {
		cfg.Orchestrator.PartialPolicy = overrides.Orchestrator.PartialPolicy
	}
	if overrides.Worker.MaxAttempts != 0 {
		cfg.Worker.MaxAttempts = overrides.Worker.MaxAttempts
	}
	if overrides.Worker.TestCommand != "" {
		cfg.Worker.TestCommand = overrides.Worker.TestCommand
	}
	if overrides.Review.PollInterval != 0 {
		cfg.Review.PollInterval = overrides.Review.PollInterval
	}
	if overrides.Review.MaxDuration != 0 {
		cfg.Review.MaxDuration = overrides.Review.MaxDuration
	}
	if overrides.VCS.RepoPath != "" {
		cfg.VCS.RepoPath = overrides.VCS.RepoPath
	}
	if overrides.VCS.BaseBranch != "" {
		cfg.VCS.BaseBranch = overrides.VCS.BaseBranch
	}
	if overrides.Store.Home != "" {
		cfg.Store.Home = overrides.Store.Home
	}
}

// viperDecoderOption configures mapstructure to decode durations from strings.
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}

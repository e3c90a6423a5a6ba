package config

import (
	"time"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/errors"
)

// Validate checks the configuration for invalid or inconsistent values.
// It returns an error describing the first validation failure found.
//
// Validation rules:
//   - orchestrator.max_concurrent_workers must be between 1 and 64
//   - orchestrator.partial_policy must be pause, halt or proceed
//   - worker.max_attempts must be between 1 and 20
//   - review.poll_interval must be positive and not exceed review.max_duration
//   - review.granularity must be wave or spec
//   - vcs.base_branch must not be empty
//   - store.snapshot_retention must be at least 1
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.ErrConfigNil
	}
	if err := validateOrchestrator(&cfg.Orchestrator); err != nil {
		return err
	}
	if err := validateWorker(&cfg.Worker); err != nil {
		return err
	}
	if err := validateReview(&cfg.Review); err != nil {
		return err
	}
	if cfg.VCS.BaseBranch == "" {
		return errors.Wrap(errors.ErrEmptyValue, "vcs.base_branch must not be empty")
	}
	return validateStore(cfg)
}

func validateOrchestrator(cfg *OrchestratorConfig) error {
	if cfg.MaxConcurrentWorkers < 1 || cfg.MaxConcurrentWorkers > 64 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"orchestrator.max_concurrent_workers must be between 1 and 64, got %d", cfg.MaxConcurrentWorkers)
	}
	switch cfg.PartialPolicy {
	case constants.PartialPolicyPause, constants.PartialPolicyHalt, constants.PartialPolicyProceed:
	default:
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"orchestrator.partial_policy must be pause, halt or proceed, got %q", cfg.PartialPolicy)
	}
	return nil
}

func validateWorker(cfg *WorkerConfig) error {
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 20 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"worker.max_attempts must be between 1 and 20, got %d", cfg.MaxAttempts)
	}
	if cfg.CommandTimeout <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"worker.command_timeout must be positive, got %s", cfg.CommandTimeout)
	}
	return nil
}

func validateReview(cfg *ReviewConfig) error {
	switch cfg.Granularity {
	case constants.ReviewPerWave, constants.ReviewPerSpec:
	default:
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"review.granularity must be wave or spec, got %q", cfg.Granularity)
	}
	if cfg.PollInterval <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"review.poll_interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.MaxDuration < cfg.PollInterval {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"review.max_duration (%s) must be at least review.poll_interval (%s)", cfg.MaxDuration, cfg.PollInterval)
	}
	return nil
}

func validateStore(cfg *Config) error {
	if cfg.Store.SnapshotRetention < 1 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"store.snapshot_retention must be at least 1, got %d", cfg.Store.SnapshotRetention)
	}
	if cfg.Store.LockTimeout < 10*time.Millisecond {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"store.lock_timeout must be at least 10ms, got %s", cfg.Store.LockTimeout)
	}
	if cfg.Verify.CacheSize < 1 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"verify.cache_size must be at least 1, got %d", cfg.Verify.CacheSize)
	}
	if cfg.Session.TTL <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"session.ttl must be positive, got %s", cfg.Session.TTL)
	}
	return nil
}

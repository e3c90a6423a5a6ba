package config

import (
	"github.com/mrz1836/tide/internal/constants"
)

// DefaultConfig returns a new Config with default values.
// These match the viper defaults registered in setDefaults.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentWorkers: constants.DefaultMaxConcurrentWorkers,
			PartialPolicy:        constants.PartialPolicyPause,
		},
		Worker: WorkerConfig{
			MaxAttempts:    constants.DefaultMaxAttempts,
			CommandTimeout: constants.DefaultCommandTimeout,
		},
		Review: ReviewConfig{
			Granularity:  constants.ReviewPerWave,
			PollInterval: constants.DefaultReviewPollInterval,
			MaxDuration:  constants.DefaultReviewMaxDuration,
		},
		VCS: VCSConfig{
			BaseBranch:        constants.DefaultBaseBranch,
			Remote:            constants.DefaultRemote,
			ProtectedBranches: []string{"main", "master"},
			MergeMethod:       "squash",
		},
		Store: StoreConfig{
			SnapshotRetention: constants.DefaultSnapshotRetention,
			LockTimeout:       constants.DefaultLockTimeout,
		},
		Verify: VerifyConfig{
			CacheSize: constants.DefaultVerifyCacheSize,
			CacheTTL:  constants.DefaultVerifyCacheTTL,
		},
		Session: SessionConfig{
			TTL: constants.DefaultSessionTTL,
		},
	}
}

package constants

// Log file names.
const (
	// CLILogFileName is the name of the global CLI log file.
	// This file is located in ~/.tide/logs/tide.log
	CLILogFileName = "tide.log"
)

// Configuration file names.
const (
	// GlobalConfigName is the name of the global tide configuration file.
	// This file is located in the tide home directory.
	GlobalConfigName = "config.yaml"

	// ProjectConfigName is the name of the project-specific tide configuration file.
	// This file is located in the project root directory.
	ProjectConfigName = ".tide.yaml"
)

// Branch naming.
const (
	// BranchPrefixWave prefixes every isolated wave branch.
	BranchPrefixWave = "tide/"

	// DefaultBaseBranch is the trunk reviews target by default.
	DefaultBaseBranch = "main"

	// DefaultRemote is the remote branches are pushed to.
	DefaultRemote = "origin"
)

// Log rotation settings for the CLI log file.
const (
	LogMaxSizeMB  = 10
	LogMaxBackups = 3
	LogMaxAgeDays = 28
	LogCompress   = true
)

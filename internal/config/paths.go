package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/errors"
)

// HomeEnvVar overrides the data directory.
const HomeEnvVar = "TIDE_HOME"

// GlobalConfigDir returns the tide data directory, ~/.tide unless TIDE_HOME is set.
func GlobalConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, constants.TideHome), nil
}

// ProjectConfigDir returns the relative path to the project configuration directory.
func ProjectConfigDir() string {
	return constants.TideHome
}

// GlobalConfigPath returns the full path to the global configuration file.
func GlobalConfigPath() (string, error) {
	dir, err := GlobalConfigDir()
	if err != nil {
		return "", fmt.Errorf("get global config path: %w", err)
	}
	return filepath.Join(dir, constants.GlobalConfigName), nil
}

// ProjectConfigPath returns the relative path to the project configuration file.
func ProjectConfigPath() string {
	return filepath.Join(ProjectConfigDir(), constants.GlobalConfigName)
}

// ResolveHome returns the configured data directory, falling back to GlobalConfigDir.
func (c *Config) ResolveHome() (string, error) {
	if c.Store.Home != "" {
		return c.Store.Home, nil
	}
	return GlobalConfigDir()
}

// ResolveWorktreeDir returns where wave worktrees live.
func (c *Config) ResolveWorktreeDir() (string, error) {
	if c.VCS.WorktreeDir != "" {
		return c.VCS.WorktreeDir, nil
	}
	home, err := c.ResolveHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, constants.WorktreesDir), nil
}

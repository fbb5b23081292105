package config

import (
	"os"
	"path/filepath"
)

// DefaultHomeDir returns the default Stratagem home directory.
// It uses $STRATAGEM_HOME when set, then ~/.stratagem, and falls back to a
// temporary directory if user home cannot be determined.
func DefaultHomeDir() string {
	if home := os.Getenv("STRATAGEM_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".stratagem")
	}
	return filepath.Join(userHome, ".stratagem")
}

// DefaultConfigPath returns the default config file path for a given home directory
func DefaultConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ResolvePaths fills directory and file settings that derive from the home
// directory and were left empty.
func (c *Config) ResolvePaths() {
	if c.Core.HomeDir == "" {
		c.Core.HomeDir = DefaultHomeDir()
	}
	if c.Core.DataDir == "" {
		c.Core.DataDir = filepath.Join(c.Core.HomeDir, "data")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Core.HomeDir, "stratagem.db")
	}
	if c.Etcd.DataDir == "" {
		c.Etcd.DataDir = filepath.Join(c.Core.DataDir, "etcd")
	}
}

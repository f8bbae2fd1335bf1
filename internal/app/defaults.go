package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables consulted by GetDefaults and the logger.
const (
	EnvConfigPath = "WILL_CONFIG_PATH"
	EnvHome       = "WILL_HOME"
	EnvLogLevel   = "WILL_LOG_LEVEL"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - WILL_CONFIG_PATH: config file location (default: ~/.config/will.toml)
//   - WILL_HOME: base directory for registry data (default: ~/.local/share/will)
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome(EnvConfigPath, ".config", "will.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := fromEnvOrHome(EnvHome, ".local", "share", "will")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// fromEnvOrHome returns the value of env if set, else the path elems joined
// under the user's home directory.
func fromEnvOrHome(env string, elems ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elems...)...), nil
}

// Package paths resolves where horus keeps its configuration and its
// local store.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the directory name used under platform base directories.
const AppName = "horus"

// File names inside the resolved directories.
const (
	ConfigFileName = "config.yaml"
	LogFileName    = "horus.log"
)

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "HORUS_CONFIG_DIR"
	EnvDataDir   = "HORUS_DATA_DIR"
)

// platformDir holds platform lookups so tests can replace them.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/horus (fallback ~/.config/horus)
// macOS:   ~/Library/Application Support/horus
// Windows: %APPDATA%/horus
func DefaultConfigDir() (string, error) {
	return linuxOrUserDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
// Linux:   $XDG_DATA_HOME/horus (fallback ~/.local/share/horus)
// macOS and Windows: same as the configuration directory.
func DefaultDataDir() (string, error) {
	return linuxOrUserDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func linuxOrUserDir(xdgEnv, homeRel string) (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv(xdgEnv); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, homeRel, AppName), nil
	}
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// ResolveConfigDir returns the configuration directory:
// flag > HORUS_CONFIG_DIR > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns the data directory:
// flag > config.yaml data_dir > HORUS_DATA_DIR > DefaultDataDir().
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, v := range []string{flag, configValue, os.Getenv(EnvDataDir)} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	return DefaultDataDir()
}

// ConfigFile returns the config file path inside dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

// Package paths resolves where plural-kernel keeps its files.
//
// The XDG Base Directory Specification is honored when its variables are set:
//
//   - Config (XDG_CONFIG_HOME): config.yaml or config.toml
//   - State (XDG_STATE_HOME): logs/ for controller and kernel logs
//
// Resolution order:
//  1. If ~/.plural-kernel/ exists → flat layout (all paths under it)
//  2. If XDG env vars are set → XDG layout
//  3. Otherwise → ~/.plural-kernel/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appName = "plural-kernel"

// ConfigFileNames lists the config files looked up in ConfigDir, in order.
var ConfigFileNames = []string{"config.yaml", "config.yml", "config.toml"}

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	stateDir  string
	flat      bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flatDir := filepath.Join(home, "."+appName)

	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		resolved = &resolvedPaths{configDir: flatDir, stateDir: flatDir, flat: true}
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig != "" || xdgState != "" {
		if xdgConfig == "" {
			xdgConfig = filepath.Join(home, ".config")
		}
		if xdgState == "" {
			xdgState = filepath.Join(home, ".local", "state")
		}
		resolved = &resolvedPaths{
			configDir: filepath.Join(xdgConfig, appName),
			stateDir:  filepath.Join(xdgState, appName),
		}
		return resolved, nil
	}

	resolved = &resolvedPaths{configDir: flatDir, stateDir: flatDir, flat: true}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the first existing config file in ConfigDir, or
// the path of config.yaml when none exists.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range ConfigFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, ConfigFileNames[0]), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout returns true if using the ~/.plural-kernel/ flat layout.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.flat
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}

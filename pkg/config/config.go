// Package config provides TOML configuration loading for linman.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Devices   DevicesConfig   `toml:"devices"`
	Elevation ElevationConfig `toml:"elevation"`
}

// DevicesConfig holds settings for device enumeration and the tree view.
type DevicesConfig struct {
	SysfsRoot   string   `toml:"sysfs_root"`
	Subsystems  []string `toml:"subsystems"`
	ShowVirtual bool     `toml:"show_virtual"`
	Debounce    string   `toml:"debounce"`
	DBPath      string   `toml:"db_path"`
	LogLevel    string   `toml:"log_level"`
}

// ElevationConfig holds settings for the privilege handshake with the
// elevated helper process.
type ElevationConfig struct {
	LockPath   string `toml:"lock_path"`
	SocketPath string `toml:"socket_path"`
	Timeout    string `toml:"timeout"`
	HelperCmd  string `toml:"helper_cmd"`
}

// ParseDebounce parses the hot-plug debounce window string to a time.Duration.
func (d *DevicesConfig) ParseDebounce() (time.Duration, error) {
	if d.Debounce == "" {
		return 300 * time.Millisecond, nil
	}
	return time.ParseDuration(d.Debounce)
}

// ParseTimeout parses the elevation timeout string to a time.Duration.
func (e *ElevationConfig) ParseTimeout() (time.Duration, error) {
	if e.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(e.Timeout)
}

// Load reads and parses a TOML config file, applying defaults for unset values.
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Devices.DBPath = ExpandPath(cfg.Devices.DBPath)
	cfg.Elevation.LockPath = ExpandPath(cfg.Elevation.LockPath)
	cfg.Elevation.SocketPath = ExpandPath(cfg.Elevation.SocketPath)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Device defaults
	if cfg.Devices.SysfsRoot == "" {
		cfg.Devices.SysfsRoot = "/sys"
	}
	if cfg.Devices.Debounce == "" {
		cfg.Devices.Debounce = "300ms"
	}
	if cfg.Devices.DBPath == "" {
		cfg.Devices.DBPath = "~/.local/share/linman/snapshots.db"
	}
	if cfg.Devices.LogLevel == "" {
		cfg.Devices.LogLevel = "info"
	}

	// Elevation defaults
	if cfg.Elevation.LockPath == "" {
		cfg.Elevation.LockPath = "/run/linman/elevated.lock"
	}
	if cfg.Elevation.SocketPath == "" {
		cfg.Elevation.SocketPath = "/run/linman/helper.sock"
	}
	if cfg.Elevation.Timeout == "" {
		cfg.Elevation.Timeout = "30s"
	}
	if cfg.Elevation.HelperCmd == "" {
		cfg.Elevation.HelperCmd = "pkexec"
	}
}

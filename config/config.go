// Package config defines the proxy configuration schema and a hot-reloadable
// store over a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Defaults applied by Ensure when the file omits a key.
const (
	DefaultInterface  = "0.0.0.0"
	DefaultPort       = 2101
	DefaultMountPoint = "NEARTRIP"
	DefaultUserAgent  = "NTRIP Client/1.0"
)

// StationConfig describes one upstream base station.
type StationConfig struct {
	MountPoint string  `json:"mountPoint"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username,omitempty"`
	Password   string  `json:"password,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Active     *bool   `json:"active,omitempty"`
}

// IsActive reports whether the station participates in selection. A station
// with no explicit flag is active.
func (sc *StationConfig) IsActive() bool {
	return sc.Active == nil || *sc.Active
}

// Validate ensures all parts of the station config are valid.
func (sc *StationConfig) Validate(path string) error {
	if sc.MountPoint == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "mountPoint")
	}
	if sc.Host == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "host")
	}
	if sc.Port < 1 || sc.Port > 65535 {
		return goutils.NewConfigValidationError(path, errors.Errorf("port %d out of range", sc.Port))
	}
	if math.IsNaN(sc.Latitude) || sc.Latitude < -90 || sc.Latitude > 90 {
		return goutils.NewConfigValidationError(path, errors.Errorf("latitude %v out of range", sc.Latitude))
	}
	if math.IsNaN(sc.Longitude) || sc.Longitude < -180 || sc.Longitude > 180 {
		return goutils.NewConfigValidationError(path, errors.Errorf("longitude %v out of range", sc.Longitude))
	}
	return nil
}

// Config is one immutable snapshot of the proxy settings. Snapshots are
// replaced whole on reload or admin edit, never mutated in place.
type Config struct {
	Interface  string           `json:"interface"`
	Port       int              `json:"port"`
	MountPoint string           `json:"mountPoint"`
	UserAgent  string           `json:"userAgent,omitempty"`
	Stations   []*StationConfig `json:"stations"`

	// Consumed by the admin surface only.
	AdminPort     int    `json:"adminPort,omitempty"`
	AdminUsername string `json:"adminUsername,omitempty"`
	AdminPassword string `json:"adminPassword,omitempty"`
}

// DefaultConfig returns the snapshot written to disk when no config file
// exists yet.
func DefaultConfig() *Config {
	return &Config{
		Interface:  DefaultInterface,
		Port:       DefaultPort,
		MountPoint: DefaultMountPoint,
		UserAgent:  DefaultUserAgent,
		Stations:   []*StationConfig{},
	}
}

// Ensure applies defaults and validates the whole snapshot.
func (c *Config) Ensure() error {
	if c.Interface == "" {
		c.Interface = DefaultInterface
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return goutils.NewConfigValidationError("", errors.Errorf("port %d out of range", c.Port))
	}
	if c.MountPoint == "" {
		return goutils.NewConfigValidationFieldRequiredError("", "mountPoint")
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	seen := map[string]bool{}
	for idx, station := range c.Stations {
		path := fmt.Sprintf("stations.%d", idx)
		if err := station.Validate(path); err != nil {
			return err
		}
		if seen[station.MountPoint] {
			return goutils.NewConfigValidationError(path, errors.Errorf("duplicate mount point %q", station.MountPoint))
		}
		seen[station.MountPoint] = true
	}
	if c.AdminPort != 0 {
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			return goutils.NewConfigValidationError("", errors.Errorf("adminPort %d out of range", c.AdminPort))
		}
		if c.AdminPort == c.Port {
			return goutils.NewConfigValidationError("", errors.Errorf("adminPort %d collides with the NTRIP port", c.AdminPort))
		}
	}
	return nil
}

// Clone deep-copies the snapshot so admin edits never touch a published one.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Stations = make([]*StationConfig, 0, len(c.Stations))
	for _, station := range c.Stations {
		stationCopy := *station
		if station.Active != nil {
			active := *station.Active
			stationCopy.Active = &active
		}
		clone.Stations = append(clone.Stations, &stationCopy)
	}
	return &clone
}

// Read loads and validates a config file. Unknown keys are ignored.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read config file")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid JSON in config file %q", path)
	}
	if err := cfg.Ensure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile persists the snapshot, atomically with respect to concurrent
// readers of the same path.
func (c *Config) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "cannot write config file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "cannot replace config file")
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

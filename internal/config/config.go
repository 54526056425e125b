// Package config loads the coordinator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse. Bare
// integers are taken as nanoseconds, matching time.Duration's native unit.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("parse duration: unsupported value %v", raw)
	}
	return nil
}

// Config is the coordinator daemon's configuration file.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`

	Monitor struct {
		// Capacity bounds the health-monitor roster; zero means unbounded.
		Capacity          int      `yaml:"capacity"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
		CircuitTimeout    Duration `yaml:"circuit_timeout"`
		SweepInterval     Duration `yaml:"sweep_interval"`
	} `yaml:"monitor"`

	Plugins struct {
		Dir          string   `yaml:"dir"`
		ScanInterval Duration `yaml:"scan_interval"`
	} `yaml:"plugins"`

	Journal struct {
		Path             string   `yaml:"path"`
		SnapshotInterval Duration `yaml:"snapshot_interval"`
	} `yaml:"journal"`

	// Worker is the configuration handed to workers at registration.
	Worker struct {
		HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
		TaskTimeout        Duration `yaml:"task_timeout"`
		MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
		DebugMode          bool     `yaml:"debug_mode"`
		BlockedWorkers     []string `yaml:"blocked_workers"`
	} `yaml:"worker"`

	Telemetry struct {
		Enabled       bool     `yaml:"enabled"`
		FlushInterval Duration `yaml:"flush_interval"`
	} `yaml:"telemetry"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var cfg Config
	cfg.Listen = "127.0.0.1:7480"
	cfg.Monitor.Capacity = 64
	cfg.Monitor.HeartbeatInterval = Duration(time.Second)
	cfg.Monitor.HeartbeatTimeout = Duration(10 * time.Second)
	cfg.Monitor.CircuitTimeout = Duration(30 * time.Second)
	cfg.Monitor.SweepInterval = Duration(time.Second)
	cfg.Plugins.ScanInterval = Duration(30 * time.Second)
	cfg.Journal.SnapshotInterval = Duration(time.Minute)
	cfg.Worker.HeartbeatInterval = Duration(time.Second)
	cfg.Worker.TaskTimeout = Duration(5 * time.Minute)
	cfg.Worker.MaxConcurrentTasks = 4
	cfg.Telemetry.FlushInterval = Duration(30 * time.Second)
	return cfg
}

// DefaultPath resolves $XDG_CONFIG_HOME/citymesh/config.yaml, falling back
// to ~/.config/citymesh/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "citymesh", "config.yaml")
}

// Load reads YAML configuration from a path. An empty path resolves the
// default location; a missing file at the default location yields the
// defaults rather than an error.
func Load(path string) (Config, error) {
	usingDefault := path == ""
	if usingDefault {
		path = DefaultPath()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if usingDefault && os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

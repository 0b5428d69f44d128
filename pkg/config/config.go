package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/proc-tools/keeper/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file structure. It is read once at
// startup and never mutated afterwards.
type Config struct {
	// ControlSock is the listen spec of the global control socket,
	// e.g. "unix:/run/keeper/control.sock" or "fd:3".
	ControlSock string `yaml:"control_sock"`

	// SockDir is the directory holding the per-worker private control
	// sockets. Defaults to the directory of ControlSock.
	SockDir string `yaml:"sock_dir,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	Workers []WorkerConfig `yaml:"workers"`
}

// WorkerConfig is the configuration of one named worker process group.
type WorkerConfig struct {
	Name             string   `yaml:"name"`
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	NumProcesses     int      `yaml:"numprocesses,omitempty"`

	// AutoUpgrade enables binary modification-time tracking; a change
	// triggers an Upgrade relay to the worker's private socket.
	AutoUpgrade bool `yaml:"auto_upgrade,omitempty"`

	// Upgrader is an optional external command run out-of-band before a
	// worker is told to upgrade.
	Upgrader string `yaml:"upgrader,omitempty"`

	// UpgraderActiveInterval makes the supervisor proactively run the
	// upgrader whenever that much time has passed since the last
	// upgrade-related activity. Zero disables proactive runs.
	UpgraderActiveInterval time.Duration `yaml:"upgrader_active_interval,omitempty"`

	// UpgraderTimeout is how long a running upgrader may stay silent
	// before it is force-killed.
	UpgraderTimeout time.Duration `yaml:"upgrader_timeout,omitempty"`
}

const defaultUpgraderTimeout = 60 * time.Second

// LoadConfigFromFile loads the supervisor configuration from a YAML file.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

func setConfigDefaults(config *Config) {
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.SockDir == "" && config.ControlSock != "" {
		config.SockDir = filepath.Dir(trimListenSpec(config.ControlSock))
	}
	for i := range config.Workers {
		worker := &config.Workers[i]
		if worker.NumProcesses <= 0 {
			worker.NumProcesses = 1
		}
		if worker.UpgraderTimeout <= 0 {
			worker.UpgraderTimeout = defaultUpgraderTimeout
		}
	}
}

// trimListenSpec strips a "unix:" scheme prefix so path-derived defaults
// work for both spelled-out and bare socket paths.
func trimListenSpec(spec string) string {
	const prefix = "unix:"
	if len(spec) > len(prefix) && spec[:len(prefix)] == prefix {
		return spec[len(prefix):]
	}
	return spec
}

// ValidateConfig validates the entire configuration structure.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if config.ControlSock == "" {
		return errors.NewValidationError("control_sock is required", nil)
	}
	if len(config.Workers) == 0 {
		return errors.NewValidationError("at least one worker is required", nil)
	}

	seen := make(map[string]bool)
	for i, worker := range config.Workers {
		if worker.Name == "" {
			return errors.NewValidationError(
				fmt.Sprintf("worker at index %d has no name", i), nil)
		}
		if seen[worker.Name] {
			return errors.NewConflictError("duplicate worker name", nil).WithContext("worker", worker.Name)
		}
		seen[worker.Name] = true

		if worker.ExecutablePath == "" {
			return errors.NewValidationError("executable_path is required", nil).WithContext("worker", worker.Name)
		}
		if worker.UpgraderActiveInterval < 0 {
			return errors.NewValidationError("upgrader_active_interval cannot be negative", nil).WithContext("worker", worker.Name)
		}
	}
	return nil
}

// Worker returns the configuration of the named worker.
func (c *Config) Worker(name string) (*WorkerConfig, bool) {
	for i := range c.Workers {
		if c.Workers[i].Name == name {
			return &c.Workers[i], true
		}
	}
	return nil, false
}

// WorkerNames returns all worker names in configuration order.
func (c *Config) WorkerNames() []string {
	names := make([]string, 0, len(c.Workers))
	for i := range c.Workers {
		names = append(names, c.Workers[i].Name)
	}
	return names
}

// WorkerControlSock returns the private control socket path of the named
// worker. The path is a deterministic function of the worker name.
func (c *Config) WorkerControlSock(name string) string {
	return filepath.Join(c.SockDir, name+".sock")
}

// ControlSockPath returns the filesystem path behind the global control
// socket spec, or "" for inherited descriptors.
func (c *Config) ControlSockPath() string {
	spec := c.ControlSock
	if len(spec) >= 3 && spec[:3] == "fd:" {
		return ""
	}
	return trimListenSpec(spec)
}

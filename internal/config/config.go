// Package config loads the hub configuration file and applies command-line
// overrides. The file is YAML with a `dispatcher` section; every field has a
// default so a hub can run with no config file at all.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatcher holds the scheduling and execution knobs.
type Dispatcher struct {
	// Workers caps the number of concurrently executing requests on top of
	// the service/directory exclusion sets.
	Workers int `yaml:"workers"`

	// PollInterval is the scheduler tick interval in seconds.
	PollInterval int `yaml:"poll_interval"`

	// SessionMaxRequests bounds how many requests a single agent session may
	// serve before the executor starts a fresh one.
	SessionMaxRequests int `yaml:"session_max_requests"`

	// SessionMaxAgeHours bounds the age of a reusable agent session.
	SessionMaxAgeHours int `yaml:"session_max_age_hours"`

	// RequestTimeout is the per-invocation hard timeout and the remote
	// idle timeout, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// MaxAttempts is the retry budget before a request fails terminally
	// and an escalation is spawned.
	MaxAttempts int `yaml:"max_attempts"`

	// Model is passed through to the agent command.
	Model string `yaml:"model"`

	// MaxBudgetUSD caps agent spend per invocation. Zero means no cap.
	MaxBudgetUSD float64 `yaml:"max_budget_usd"`

	// Debug enables verbose admission logging.
	Debug bool `yaml:"debug"`
}

// Config is the full hub configuration.
type Config struct {
	// HubDir is the root of the hub working tree. Usually set by flag.
	HubDir string `yaml:"hub_dir"`

	// Port is the façade HTTP listen port.
	Port int `yaml:"port"`

	// AgentCmd is the local agent executable invoked per request.
	AgentCmd string `yaml:"agent_cmd"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LedgerPath is the sqlite file for the dispatch ledger. Empty disables
	// the ledger.
	LedgerPath string `yaml:"ledger_path"`

	Dispatcher Dispatcher `yaml:"dispatcher"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		HubDir:     ".",
		Port:       7433,
		AgentCmd:   "claude",
		LogLevel:   "info",
		LedgerPath: "",
		Dispatcher: Dispatcher{
			Workers:            4,
			PollInterval:       30,
			SessionMaxRequests: 10,
			SessionMaxAgeHours: 4,
			RequestTimeout:     600,
			MaxAttempts:        3,
			Model:              "",
			MaxBudgetUSD:       0,
			Debug:              false,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error — the defaults are returned — so a bare `accord --hub-dir X` works.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	d := &c.Dispatcher
	if d.Workers < 1 {
		return fmt.Errorf("config: dispatcher.workers must be >= 1, got %d", d.Workers)
	}
	if d.PollInterval < 1 {
		return fmt.Errorf("config: dispatcher.poll_interval must be >= 1, got %d", d.PollInterval)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("config: dispatcher.max_attempts must be >= 1, got %d", d.MaxAttempts)
	}
	if d.RequestTimeout < 1 {
		return fmt.Errorf("config: dispatcher.request_timeout must be >= 1, got %d", d.RequestTimeout)
	}
	return nil
}

// PollInterval returns the tick interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatcher.PollInterval) * time.Second
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Dispatcher.RequestTimeout) * time.Second
}

// SessionMaxAge returns the agent session reuse bound as a duration.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Dispatcher.SessionMaxAgeHours) * time.Hour
}

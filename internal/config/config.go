// Package config loads the layered AgentGate configuration: compiled
// defaults, then system, user, and project YAML files, then AGENTGATE_*
// environment variables. Later layers win per field.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Well-known locations.
const (
	// GateDir is the project-local configuration directory.
	GateDir = ".agentgate"
	// ConfigFileName is the config file name inside each layer's directory.
	ConfigFileName = "config.yaml"
	// SystemConfigPath is the machine-wide config file.
	SystemConfigPath = "/etc/agentgate/config.yaml"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("90s", "2h") or as integer seconds.
type Duration time.Duration

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML accepts "30s"-style strings and bare integer seconds.
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
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("cannot parse %v as duration", raw)
	}
	return nil
}

// MarshalYAML renders the duration as its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// QueueConfig sizes the waiting queue and its persistence.
type QueueConfig struct {
	MaxQueueSize    int      `yaml:"max_queue_size"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
	PersistInterval Duration `yaml:"persist_interval"`
	// PersistDir holds queue.yaml. Empty derives <storage.dir>/queue.
	PersistDir string `yaml:"persist_dir"`
}

// AdmissionConfig tunes the admission controller.
type AdmissionConfig struct {
	TickInterval         Duration `yaml:"tick_interval"`
	StaggerDelay         Duration `yaml:"stagger_delay"`
	MinAvailableMemoryMB int      `yaml:"min_available_memory_mb"`
}

// StaleConfig tunes the stale-run detector.
type StaleConfig struct {
	SweepInterval  Duration `yaml:"sweep_interval"`
	MaxRunningTime Duration `yaml:"max_running_time"`
}

// RunConfig sets per-run limits and the iteration strategy.
type RunConfig struct {
	MaxIterations int      `yaml:"max_iterations"`
	MaxWallClock  Duration `yaml:"max_wall_clock"`

	// Strategy selects the loop strategy ("fixed", "adaptive", ...).
	// Empty disables strategy hooks.
	Strategy        string  `yaml:"strategy"`
	BaseIterations  int     `yaml:"base_iterations"`
	BonusIterations int     `yaml:"bonus_iterations"`
	MinIterations   int     `yaml:"min_iterations"`
	WindowSize      int     `yaml:"window_size"`
	Threshold       float64 `yaml:"threshold"`

	DisableRetries    bool `yaml:"disable_retries"`
	PushEachIteration bool `yaml:"push_each_iteration"`
}

// LeaseConfig tunes workspace leases.
type LeaseConfig struct {
	// Dir holds lease files. Empty derives <storage.dir>/leases.
	Dir           string   `yaml:"dir"`
	TTL           Duration `yaml:"ttl"`
	RenewInterval Duration `yaml:"renew_interval"`
}

// AgentConfig selects and tunes the agent driver.
type AgentConfig struct {
	Type    string   `yaml:"type"`
	Binary  string   `yaml:"binary"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// VerifyConfig tunes gate-plan resolution.
type VerifyConfig struct {
	// Plan is "auto", "skip", or a gate plan file path.
	Plan          string   `yaml:"plan"`
	SkipLevels    []string `yaml:"skip_levels"`
	BlackboxGlobs []string `yaml:"blackbox_globs"`
}

// CIPollConfig tunes post-PR pipeline polling.
type CIPollConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// HostingConfig names the forge the orchestrator opens pull requests on.
type HostingConfig struct {
	// Provider is "github", "gitlab", "auto", or empty to disable.
	Provider    string       `yaml:"provider"`
	Repo        string       `yaml:"repo"`
	BaseURL     string       `yaml:"base_url"`
	TokenEnvVar string       `yaml:"token_env_var"`
	BaseBranch  string       `yaml:"base_branch"`
	CIPoll      CIPollConfig `yaml:"ci_poll"`
}

// DatabaseConfig selects the SQL archive backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Empty keeps the file backend.
	Driver string `yaml:"driver"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`
}

// StorageConfig places persistent state on disk.
type StorageConfig struct {
	// Dir is the data root for the file store, queue state, and leases.
	Dir      string         `yaml:"dir"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig binds the REST/WebSocket API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// JiraConfig enables order intake from Jira issues.
type JiraConfig struct {
	BaseURL string `yaml:"base_url"`
	Email   string `yaml:"email"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`
}

// Config is the full AgentGate configuration.
type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Admission AdmissionConfig `yaml:"admission"`
	Stale     StaleConfig     `yaml:"stale"`
	Run       RunConfig       `yaml:"run"`
	Lease     LeaseConfig     `yaml:"lease"`
	Agent     AgentConfig     `yaml:"agent"`
	Verify    VerifyConfig    `yaml:"verify"`
	Hosting   HostingConfig   `yaml:"hosting"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Jira      JiraConfig      `yaml:"jira"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueueSize:    50,
			MaxConcurrent:   3,
			PersistInterval: Duration(30 * time.Second),
		},
		Admission: AdmissionConfig{
			TickInterval:         Duration(5 * time.Second),
			StaggerDelay:         Duration(10 * time.Second),
			MinAvailableMemoryMB: 512,
		},
		Stale: StaleConfig{
			SweepInterval:  Duration(30 * time.Second),
			MaxRunningTime: Duration(2 * time.Hour),
		},
		Run: RunConfig{
			MaxIterations: 30,
			MaxWallClock:  Duration(2 * time.Hour),
		},
		Lease: LeaseConfig{
			TTL:           Duration(30 * time.Minute),
			RenewInterval: Duration(10 * time.Minute),
		},
		Agent: AgentConfig{
			Type: "claude",
		},
		Verify: VerifyConfig{
			Plan: "auto",
		},
		Hosting: HostingConfig{
			CIPoll: CIPollConfig{
				Interval: Duration(30 * time.Second),
				Timeout:  Duration(20 * time.Minute),
			},
		},
		Storage: StorageConfig{
			Dir: GateDir + "/data",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7466,
		},
	}
}

// Validate checks cross-field invariants. Violations return
// CONFIG_INVALID operational errors.
func (c *Config) Validate() error {
	if c.Queue.MaxQueueSize <= 0 {
		return gateerrors.ErrConfigInvalid("queue.max_queue_size", "must be positive")
	}
	if c.Queue.MaxConcurrent < 0 {
		return gateerrors.ErrConfigInvalid("queue.max_concurrent", "must not be negative")
	}
	for field, d := range map[string]Duration{
		"queue.persist_interval":   c.Queue.PersistInterval,
		"admission.tick_interval":  c.Admission.TickInterval,
		"admission.stagger_delay":  c.Admission.StaggerDelay,
		"stale.sweep_interval":     c.Stale.SweepInterval,
		"stale.max_running_time":   c.Stale.MaxRunningTime,
		"run.max_wall_clock":       c.Run.MaxWallClock,
		"lease.ttl":                c.Lease.TTL,
		"lease.renew_interval":     c.Lease.RenewInterval,
		"agent.timeout":            c.Agent.Timeout,
		"hosting.ci_poll.interval": c.Hosting.CIPoll.Interval,
		"hosting.ci_poll.timeout":  c.Hosting.CIPoll.Timeout,
	} {
		if d < 0 {
			return gateerrors.ErrConfigInvalid(field, "must not be negative")
		}
	}
	if c.Run.MaxIterations < 0 {
		return gateerrors.ErrConfigInvalid("run.max_iterations", "must not be negative")
	}
	if c.Admission.MinAvailableMemoryMB < 0 {
		return gateerrors.ErrConfigInvalid("admission.min_available_memory_mb", "must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return gateerrors.ErrConfigInvalid("server.port", "must be between 0 and 65535")
	}
	switch c.Storage.Database.Driver {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		return gateerrors.ErrConfigInvalid("storage.database.driver",
			fmt.Sprintf("unknown driver %q", c.Storage.Database.Driver))
	}
	if c.Storage.Dir == "" {
		return gateerrors.ErrConfigMissing("storage.dir")
	}
	if c.Hosting.Provider != "" && c.Hosting.Provider != "auto" && c.Hosting.Repo == "" {
		return gateerrors.ErrConfigMissing("hosting.repo")
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Load builds the effective configuration. Load order, later layers
// winning per field:
//  1. Compiled defaults
//  2. System config (/etc/agentgate/config.yaml) - optional
//  3. User config (~/.agentgate/config.yaml) - optional
//  4. Project config (.agentgate/config.yaml) - optional
//  5. AGENTGATE_* environment variables
//
// Unreadable system and user layers log a warning and are skipped; a
// broken project layer is fatal.
func Load() (*Config, error) {
	cfg := Default()

	if err := mergeFile(cfg, SystemConfigPath); err != nil {
		slog.Warn("skipping system config", "path", SystemConfigPath, "error", err)
	}
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, GateDir, ConfigFileName)
		if err := mergeFile(cfg, userPath); err != nil {
			slog.Warn("skipping user config", "path", userPath, "error", err)
		}
	}
	projectPath := filepath.Join(GateDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFile(cfg, projectPath); err != nil {
			return nil, gateerrors.ErrConfigInvalid(projectPath, err.Error())
		}
	}

	ApplyEnv(cfg)
	finalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults plus exactly one file,
// then environment overrides. Used for an explicit --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFile(cfg, path); err != nil {
		return nil, gateerrors.ErrConfigInvalid(path, err.Error())
	}
	ApplyEnv(cfg)
	finalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile overlays one YAML file onto cfg. Fields absent from the
// file keep their current values.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// finalize derives the paths that default relative to the data root.
func finalize(cfg *Config) {
	if cfg.Queue.PersistDir == "" && cfg.Storage.Dir != "" {
		cfg.Queue.PersistDir = filepath.Join(cfg.Storage.Dir, "queue")
	}
	if cfg.Lease.Dir == "" && cfg.Storage.Dir != "" {
		cfg.Lease.Dir = filepath.Join(cfg.Storage.Dir, "leases")
	}
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envMapping maps AGENTGATE_* variables to config paths.
var envMapping = map[string]string{
	"AGENTGATE_QUEUE_MAX_SIZE":         "queue.max_queue_size",
	"AGENTGATE_QUEUE_MAX_CONCURRENT":   "queue.max_concurrent",
	"AGENTGATE_QUEUE_PERSIST_INTERVAL": "queue.persist_interval",
	"AGENTGATE_QUEUE_PERSIST_DIR":      "queue.persist_dir",

	"AGENTGATE_ADMISSION_TICK_INTERVAL": "admission.tick_interval",
	"AGENTGATE_ADMISSION_STAGGER_DELAY": "admission.stagger_delay",
	"AGENTGATE_ADMISSION_MIN_MEMORY_MB": "admission.min_available_memory_mb",

	"AGENTGATE_STALE_SWEEP_INTERVAL":   "stale.sweep_interval",
	"AGENTGATE_STALE_MAX_RUNNING_TIME": "stale.max_running_time",

	"AGENTGATE_RUN_MAX_ITERATIONS":     "run.max_iterations",
	"AGENTGATE_RUN_MAX_WALL_CLOCK":     "run.max_wall_clock",
	"AGENTGATE_RUN_STRATEGY":           "run.strategy",
	"AGENTGATE_RUN_DISABLE_RETRIES":    "run.disable_retries",
	"AGENTGATE_RUN_PUSH_EACH_ITER":     "run.push_each_iteration",

	"AGENTGATE_LEASE_TTL":            "lease.ttl",
	"AGENTGATE_LEASE_RENEW_INTERVAL": "lease.renew_interval",

	"AGENTGATE_AGENT_TYPE":    "agent.type",
	"AGENTGATE_AGENT_BINARY":  "agent.binary",
	"AGENTGATE_AGENT_MODEL":   "agent.model",
	"AGENTGATE_AGENT_TIMEOUT": "agent.timeout",

	"AGENTGATE_VERIFY_PLAN": "verify.plan",

	"AGENTGATE_HOSTING_PROVIDER":    "hosting.provider",
	"AGENTGATE_HOSTING_REPO":        "hosting.repo",
	"AGENTGATE_HOSTING_BASE_URL":    "hosting.base_url",
	"AGENTGATE_HOSTING_TOKEN_ENV":   "hosting.token_env_var",
	"AGENTGATE_HOSTING_BASE_BRANCH": "hosting.base_branch",
	"AGENTGATE_CI_POLL_ENABLED":     "hosting.ci_poll.enabled",
	"AGENTGATE_CI_POLL_INTERVAL":    "hosting.ci_poll.interval",
	"AGENTGATE_CI_POLL_TIMEOUT":     "hosting.ci_poll.timeout",

	"AGENTGATE_STORAGE_DIR": "storage.dir",
	"AGENTGATE_DB_DRIVER":   "storage.database.driver",
	"AGENTGATE_DB_DSN":      "storage.database.dsn",

	"AGENTGATE_HOST": "server.host",
	"AGENTGATE_PORT": "server.port",

	"AGENTGATE_JIRA_BASE_URL":  "jira.base_url",
	"AGENTGATE_JIRA_EMAIL":     "jira.email",
	"AGENTGATE_JIRA_TOKEN_ENV": "jira.token_env",
}

// ApplyEnv overlays AGENTGATE_* environment variables onto cfg and
// returns the config paths that were overridden.
func ApplyEnv(cfg *Config) []string {
	var overridden []string
	for envVar, path := range envMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvValue(cfg, path, value) {
			overridden = append(overridden, path)
		}
	}
	return overridden
}

// applyEnvValue sets one config path from its string form. Unparsable
// values are ignored so a bad variable cannot take the daemon down.
func applyEnvValue(cfg *Config, path, value string) bool {
	switch path {
	case "queue.max_queue_size":
		return setInt(&cfg.Queue.MaxQueueSize, value)
	case "queue.max_concurrent":
		return setInt(&cfg.Queue.MaxConcurrent, value)
	case "queue.persist_interval":
		return setDuration(&cfg.Queue.PersistInterval, value)
	case "queue.persist_dir":
		cfg.Queue.PersistDir = value
	case "admission.tick_interval":
		return setDuration(&cfg.Admission.TickInterval, value)
	case "admission.stagger_delay":
		return setDuration(&cfg.Admission.StaggerDelay, value)
	case "admission.min_available_memory_mb":
		return setInt(&cfg.Admission.MinAvailableMemoryMB, value)
	case "stale.sweep_interval":
		return setDuration(&cfg.Stale.SweepInterval, value)
	case "stale.max_running_time":
		return setDuration(&cfg.Stale.MaxRunningTime, value)
	case "run.max_iterations":
		return setInt(&cfg.Run.MaxIterations, value)
	case "run.max_wall_clock":
		return setDuration(&cfg.Run.MaxWallClock, value)
	case "run.strategy":
		cfg.Run.Strategy = value
	case "run.disable_retries":
		cfg.Run.DisableRetries = parseBool(value)
	case "run.push_each_iteration":
		cfg.Run.PushEachIteration = parseBool(value)
	case "lease.ttl":
		return setDuration(&cfg.Lease.TTL, value)
	case "lease.renew_interval":
		return setDuration(&cfg.Lease.RenewInterval, value)
	case "agent.type":
		cfg.Agent.Type = value
	case "agent.binary":
		cfg.Agent.Binary = value
	case "agent.model":
		cfg.Agent.Model = value
	case "agent.timeout":
		return setDuration(&cfg.Agent.Timeout, value)
	case "verify.plan":
		cfg.Verify.Plan = value
	case "hosting.provider":
		cfg.Hosting.Provider = value
	case "hosting.repo":
		cfg.Hosting.Repo = value
	case "hosting.base_url":
		cfg.Hosting.BaseURL = value
	case "hosting.token_env_var":
		cfg.Hosting.TokenEnvVar = value
	case "hosting.base_branch":
		cfg.Hosting.BaseBranch = value
	case "hosting.ci_poll.enabled":
		cfg.Hosting.CIPoll.Enabled = parseBool(value)
	case "hosting.ci_poll.interval":
		return setDuration(&cfg.Hosting.CIPoll.Interval, value)
	case "hosting.ci_poll.timeout":
		return setDuration(&cfg.Hosting.CIPoll.Timeout, value)
	case "storage.dir":
		cfg.Storage.Dir = value
	case "storage.database.driver":
		cfg.Storage.Database.Driver = value
	case "storage.database.dsn":
		cfg.Storage.Database.DSN = value
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		return setInt(&cfg.Server.Port, value)
	case "jira.base_url":
		cfg.Jira.BaseURL = value
	case "jira.email":
		cfg.Jira.Email = value
	case "jira.token_env":
		cfg.Jira.TokenEnv = value
	default:
		return false
	}
	return true
}

func setInt(dst *int, value string) bool {
	v, err := strconv.Atoi(value)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

func setDuration(dst *Duration, value string) bool {
	d, err := time.ParseDuration(value)
	if err != nil {
		return false
	}
	*dst = Duration(d)
	return true
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv overlays CONDUCTOR_* environment variables onto cfg. Environment
// wins over the file; defaults fill the rest.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CONDUCTOR_WORKTREE_BASE"); v != "" {
		cfg.WorktreeBase = v
	}
	if v := os.Getenv("CONDUCTOR_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_API"); v != "" {
		cfg.GitHub.APIBase = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_TOKEN_FILE"); v != "" {
		cfg.GitHub.TokenFile = v
	}
	if v := os.Getenv("CONDUCTOR_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("CONDUCTOR_AGENT_COMMAND"); v != "" {
		cfg.Agents.Command = v
	}

	if d, ok := envDuration("CONDUCTOR_PLANNER_TIMEOUT"); ok {
		cfg.Agents.PlannerTimeout = d
	}
	if d, ok := envDuration("CONDUCTOR_IMPLEMENTER_TIMEOUT"); ok {
		cfg.Agents.ImplementerTimeout = d
	}
	if d, ok := envDuration("CONDUCTOR_REVIEWER_TIMEOUT"); ok {
		cfg.Agents.ReviewerTimeout = d
	}

	if n, ok := envInt("CONDUCTOR_AGENT_WORKERS"); ok {
		cfg.Workers.Agent = n
	}
	if n, ok := envInt("CONDUCTOR_ORCHESTRATOR_WORKERS"); ok {
		cfg.Workers.Orchestrator = n
	}
	if n, ok := envInt("CONDUCTOR_OUTBOX_WORKERS"); ok {
		cfg.Workers.Outbox = n
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

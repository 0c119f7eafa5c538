// Package config loads Conductor configuration from YAML with environment
// overrides, applies defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// DatabasePath is the SQLite database file path.
	DatabasePath string `yaml:"database_path"`

	// RepoRoot is the main clone worktrees are created from.
	RepoRoot string `yaml:"repo_root"`

	// WorktreeBase is the base directory for run worktrees.
	WorktreeBase string `yaml:"worktree_base"`

	// Workers controls worker pool sizing.
	Workers WorkersConfig `yaml:"workers"`

	// Agents controls per-role agent invocation behavior.
	Agents AgentsConfig `yaml:"agents"`

	// Queues holds per-queue lease and attempt settings.
	Queues map[string]QueueConfig `yaml:"queues"`

	// GitHub configures the external host boundary.
	GitHub GitHubConfig `yaml:"github"`

	// Mirror configures comment mirroring rate limits.
	Mirror MirrorConfig `yaml:"mirror"`

	// Retention configures janitor pruning windows.
	Retention RetentionConfig `yaml:"retention"`

	// Sandbox configures tool-invocation policy.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// MetricsAddr is the prometheus listen address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	// Orchestrator is the number of concurrent drain workers.
	Orchestrator int `yaml:"orchestrator"`

	// Agent is the number of concurrent agent-job workers.
	Agent int `yaml:"agent"`

	// Outbox is the number of concurrent outbox workers.
	Outbox int `yaml:"outbox"`
}

// AgentsConfig holds per-role timeouts and the provider command.
type AgentsConfig struct {
	// Command is the agent CLI binary (resolved via PATH when bare).
	Command string `yaml:"command"`

	// PlannerTimeout bounds a planner invocation.
	PlannerTimeout time.Duration `yaml:"planner_timeout"`

	// ImplementerTimeout bounds an implementer invocation.
	ImplementerTimeout time.Duration `yaml:"implementer_timeout"`

	// ReviewerTimeout bounds a reviewer invocation.
	ReviewerTimeout time.Duration `yaml:"reviewer_timeout"`
}

// QueueConfig holds per-queue durable-queue settings.
type QueueConfig struct {
	// Lease is how long a claim holds before it can be reclaimed.
	Lease time.Duration `yaml:"lease"`

	// MaxAttempts bounds retries before a job fails terminally.
	MaxAttempts int `yaml:"max_attempts"`
}

// GitHubConfig configures the host client.
type GitHubConfig struct {
	// APIBase is the host API root.
	APIBase string `yaml:"api_base"`

	// TokenFile is read per request by the credential provider.
	TokenFile string `yaml:"token_file"`

	// WebhookSecret verifies inbound delivery signatures.
	WebhookSecret string `yaml:"webhook_secret"`

	// ScanLimit caps how many recent items an ambiguous-recovery scan reads.
	ScanLimit int `yaml:"scan_limit"`
}

// MirrorConfig throttles optional mirror comments. Priority kinds (phase
// transitions, operator actions, errors, escalations) bypass the limit.
type MirrorConfig struct {
	// MinInterval is the per-run floor between optional mirror comments.
	MinInterval time.Duration `yaml:"min_interval"`

	// Burst is the token-bucket burst size.
	Burst int `yaml:"burst"`
}

// RetentionConfig holds janitor pruning windows.
type RetentionConfig struct {
	// StreamEventDays bounds the stream_events replay window.
	StreamEventDays int `yaml:"stream_event_days"`

	// AgentMessageDays bounds agent transcript retention.
	AgentMessageDays int `yaml:"agent_message_days"`

	// JobGrace is how long completed/failed jobs linger before purge.
	JobGrace time.Duration `yaml:"job_grace"`

	// WorktreeIdle is how long a wait_pr_merge run's worktree may go without
	// a heartbeat before the janitor tears it down.
	WorktreeIdle time.Duration `yaml:"worktree_idle"`
}

// SandboxConfig configures tool-invocation policy.
type SandboxConfig struct {
	// SensitivePatterns are glob patterns whose writes are rejected.
	SensitivePatterns []string `yaml:"sensitive_patterns"`

	// CommandAllowlist lists the binaries run_tests may invoke.
	CommandAllowlist []string `yaml:"command_allowlist"`

	// MaxReadBytes truncates read_file outputs beyond this size.
	MaxReadBytes int `yaml:"max_read_bytes"`

	// MaxTestOutputBytes head/tail-truncates command outputs.
	MaxTestOutputBytes int `yaml:"max_test_output_bytes"`
}

// Load reads the config file at path (when it exists), applies environment
// overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

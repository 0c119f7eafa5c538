package config

import "time"

// Default values applied when the config file and environment leave a field
// unset.
const (
	DefaultDatabasePath = "conductor.db"
	DefaultWorktreeBase = ".conductor/worktrees"
	DefaultMetricsAddr  = ":9090"

	DefaultPlannerTimeout     = 15 * time.Minute
	DefaultImplementerTimeout = 45 * time.Minute
	DefaultReviewerTimeout    = 10 * time.Minute

	DefaultLease       = 5 * time.Minute
	DefaultMaxAttempts = 3

	DefaultMirrorInterval = 30 * time.Second
	DefaultMirrorBurst    = 3

	DefaultStreamEventDays  = 14
	DefaultAgentMessageDays = 30
	DefaultJobGrace         = 24 * time.Hour
	DefaultWorktreeIdle     = 24 * time.Hour

	DefaultScanLimit          = 50
	DefaultMaxReadBytes       = 256 * 1024
	DefaultMaxTestOutputBytes = 512 * 1024
)

// DefaultSensitivePatterns are file patterns agents may never write.
var DefaultSensitivePatterns = []string{
	".env", ".env.*", "*.pem", "*.key", "credentials*", "*_rsa", "*.p12",
	".npmrc", ".netrc",
}

// DefaultCommandAllowlist lists the binaries run_tests may invoke, argv style.
var DefaultCommandAllowlist = []string{
	"npm", "pnpm", "yarn", "pytest", "cargo", "go", "make", "node", "python",
}

// ApplyDefaults fills any unset fields in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.WorktreeBase == "" {
		cfg.WorktreeBase = DefaultWorktreeBase
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}

	if cfg.Workers.Orchestrator == 0 {
		cfg.Workers.Orchestrator = 2
	}
	if cfg.Workers.Agent == 0 {
		cfg.Workers.Agent = 4
	}
	if cfg.Workers.Outbox == 0 {
		cfg.Workers.Outbox = 2
	}

	if cfg.Agents.Command == "" {
		cfg.Agents.Command = "claude"
	}
	if cfg.Agents.PlannerTimeout == 0 {
		cfg.Agents.PlannerTimeout = DefaultPlannerTimeout
	}
	if cfg.Agents.ImplementerTimeout == 0 {
		cfg.Agents.ImplementerTimeout = DefaultImplementerTimeout
	}
	if cfg.Agents.ReviewerTimeout == 0 {
		cfg.Agents.ReviewerTimeout = DefaultReviewerTimeout
	}

	if cfg.Queues == nil {
		cfg.Queues = map[string]QueueConfig{}
	}
	for _, q := range []string{"orchestrator", "agent", "outbox", "run"} {
		qc := cfg.Queues[q]
		if qc.Lease == 0 {
			qc.Lease = DefaultLease
		}
		if qc.MaxAttempts == 0 {
			qc.MaxAttempts = DefaultMaxAttempts
		}
		cfg.Queues[q] = qc
	}

	if cfg.GitHub.APIBase == "" {
		cfg.GitHub.APIBase = "https://api.github.com"
	}
	if cfg.GitHub.ScanLimit == 0 {
		cfg.GitHub.ScanLimit = DefaultScanLimit
	}

	if cfg.Mirror.MinInterval == 0 {
		cfg.Mirror.MinInterval = DefaultMirrorInterval
	}
	if cfg.Mirror.Burst == 0 {
		cfg.Mirror.Burst = DefaultMirrorBurst
	}

	if cfg.Retention.StreamEventDays == 0 {
		cfg.Retention.StreamEventDays = DefaultStreamEventDays
	}
	if cfg.Retention.AgentMessageDays == 0 {
		cfg.Retention.AgentMessageDays = DefaultAgentMessageDays
	}
	if cfg.Retention.JobGrace == 0 {
		cfg.Retention.JobGrace = DefaultJobGrace
	}
	if cfg.Retention.WorktreeIdle == 0 {
		cfg.Retention.WorktreeIdle = DefaultWorktreeIdle
	}

	if len(cfg.Sandbox.SensitivePatterns) == 0 {
		cfg.Sandbox.SensitivePatterns = append([]string(nil), DefaultSensitivePatterns...)
	}
	if len(cfg.Sandbox.CommandAllowlist) == 0 {
		cfg.Sandbox.CommandAllowlist = append([]string(nil), DefaultCommandAllowlist...)
	}
	if cfg.Sandbox.MaxReadBytes == 0 {
		cfg.Sandbox.MaxReadBytes = DefaultMaxReadBytes
	}
	if cfg.Sandbox.MaxTestOutputBytes == 0 {
		cfg.Sandbox.MaxTestOutputBytes = DefaultMaxTestOutputBytes
	}
}

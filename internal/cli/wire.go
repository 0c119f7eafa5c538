package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/gate"
	"github.com/conductor-dev/conductor/internal/githubhost"
	"github.com/conductor-dev/conductor/internal/janitor"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/orchestrator"
	"github.com/conductor-dev/conductor/internal/outbox"
	"github.com/conductor-dev/conductor/internal/policy"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/sandbox"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/worker"
	"github.com/conductor-dev/conductor/internal/worktree"
)

// System holds all wired components.
type System struct {
	Config *config.Config
	Logger *zap.Logger

	Store     *store.Store
	Events    *eventlog.Log
	Runs      *runstore.Store
	Gates     *gate.Evaluator
	Queue     *queue.Queue
	Policies  *policy.Store
	Outbox    *outbox.Store
	Deliverer *outbox.Deliverer
	Recovery  *outbox.Recovery

	Creds  githubhost.CredentialProvider
	Client githubhost.Client

	Worktrees *worktree.Manager
	Sandbox   *sandbox.Sandbox
	Artifacts *agent.ArtifactStore
	Messages  *agent.MessageStore
	Runner    *agent.Runner

	Orchestrator *orchestrator.Orchestrator
	Operators    *orchestrator.Operators
	Handlers     *worker.Handlers
	Janitor      *janitor.Janitor
	Webhook      *githubhost.WebhookHandler
}

// WireSystem assembles all components over one database.
func WireSystem(cfg *config.Config, logger *zap.Logger) (*System, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	events := eventlog.New(st, logger)
	runs := runstore.New(st, logger)
	gates := gate.New(st, logger)
	q := queue.New(st, logger)
	policies := policy.NewStore(st, logger)
	ob := outbox.NewStore(st, logger)

	creds := githubhost.NewFileCredentialProvider(cfg.GitHub.TokenFile)
	client := githubhost.NewHTTPClient(cfg.GitHub.APIBase, creds, logger)

	limiter := outbox.NewMirrorLimiter(cfg.Mirror.MinInterval, cfg.Mirror.Burst)
	deliverer := outbox.NewDeliverer(st, ob, runs, events, client, limiter, logger)
	recovery := outbox.NewRecovery(ob, deliverer, client, cfg.GitHub.ScanLimit, logger)

	worktrees := worktree.NewManager(st, cfg.RepoRoot, cfg.WorktreeBase, logger)
	sb := sandbox.New(st,
		sandbox.NewPolicy(cfg.Sandbox.SensitivePatterns, cfg.Sandbox.CommandAllowlist),
		cfg.Sandbox.MaxReadBytes, cfg.Sandbox.MaxTestOutputBytes, logger)

	artifacts := agent.NewArtifactStore(st)
	messages := agent.NewMessageStore(st)
	runner := agent.NewRunner(agent.NewCLIProvider(cfg.Agents.Command),
		artifacts, messages, cfg.Agents, logger)

	orch := orchestrator.New(st, runs, events, q, gates, ob, logger)
	operators := orchestrator.NewOperators(orch, policies)
	handlers := worker.NewHandlers(st, runs, events, worktrees, runner, artifacts,
		sb, orch, creds, logger)

	jan := janitor.New(st, q, events, messages, worktrees, recovery,
		cfg.Retention, cfg.GitHub.ScanLimit, logger)

	webhook := githubhost.NewWebhookHandler(st, events, q, cfg.GitHub.WebhookSecret, logger)
	webhook.RunLookup = func(prNodeID string) (string, string, bool) {
		var runID, projectID string
		err := st.DB().QueryRow(`
			SELECT run_id, project_id FROM runs WHERE pr_node_id = ?
			ORDER BY created_at DESC LIMIT 1`, prNodeID).Scan(&runID, &projectID)
		if err != nil {
			return "", "", false
		}
		return runID, projectID, true
	}

	return &System{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Events:       events,
		Runs:         runs,
		Gates:        gates,
		Queue:        q,
		Policies:     policies,
		Outbox:       ob,
		Deliverer:    deliverer,
		Recovery:     recovery,
		Creds:        creds,
		Client:       client,
		Worktrees:    worktrees,
		Sandbox:      sb,
		Artifacts:    artifacts,
		Messages:     messages,
		Runner:       runner,
		Orchestrator: orch,
		Operators:    operators,
		Handlers:     handlers,
		Janitor:      jan,
		Webhook:      webhook,
	}, nil
}

// Close releases the system's resources.
func (s *System) Close() error {
	return s.Store.Close()
}

// loadSystem loads config and wires the system for one command invocation.
func (a *App) loadSystem() (*System, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}

	level := "info"
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		return nil, err
	}

	return WireSystem(cfg, logger)
}

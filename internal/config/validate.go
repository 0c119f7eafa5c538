package config

import "fmt"

// Validate rejects configurations that would misbehave at runtime.
func Validate(cfg *Config) error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if cfg.Workers.Orchestrator < 1 {
		return fmt.Errorf("workers.orchestrator must be >= 1, got %d", cfg.Workers.Orchestrator)
	}
	if cfg.Workers.Agent < 1 {
		return fmt.Errorf("workers.agent must be >= 1, got %d", cfg.Workers.Agent)
	}
	if cfg.Workers.Outbox < 1 {
		return fmt.Errorf("workers.outbox must be >= 1, got %d", cfg.Workers.Outbox)
	}
	for name, q := range cfg.Queues {
		if q.Lease <= 0 {
			return fmt.Errorf("queues.%s.lease must be positive", name)
		}
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queues.%s.max_attempts must be >= 1", name)
		}
	}
	if cfg.Agents.PlannerTimeout <= 0 || cfg.Agents.ImplementerTimeout <= 0 || cfg.Agents.ReviewerTimeout <= 0 {
		return fmt.Errorf("agent timeouts must be positive")
	}
	if cfg.GitHub.ScanLimit < 1 {
		return fmt.Errorf("github.scan_limit must be >= 1, got %d", cfg.GitHub.ScanLimit)
	}
	if cfg.Mirror.Burst < 1 {
		return fmt.Errorf("mirror.burst must be >= 1, got %d", cfg.Mirror.Burst)
	}
	if cfg.Sandbox.MaxReadBytes < 1024 {
		return fmt.Errorf("sandbox.max_read_bytes must be >= 1024, got %d", cfg.Sandbox.MaxReadBytes)
	}
	return nil
}

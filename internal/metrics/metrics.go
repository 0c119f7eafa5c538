// Package metrics defines the Prometheus collectors for Conductor.
//
// Naming follows Prometheus conventions: a conductor_ prefix, _total for
// counters, _seconds for duration histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts runs reaching a terminal phase, by result.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Total runs reaching a terminal phase, by result.",
		},
		[]string{"result"},
	)

	// PhaseTransitionsTotal counts phase transitions by from/to pair.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_phase_transitions_total",
			Help: "Total run phase transitions.",
		},
		[]string{"from", "to"},
	)

	// EventsAppendedTotal counts events appended to the log, by class.
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_events_appended_total",
			Help: "Total events appended to the log, by class.",
		},
		[]string{"class"},
	)

	// JobsTotal counts queue outcomes by queue and disposition.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_jobs_total",
			Help: "Total job dispositions by queue (claimed, completed, failed, reclaimed, stale).",
		},
		[]string{"queue", "disposition"},
	)

	// JobDurationSeconds is a histogram of job processing time by type.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_job_duration_seconds",
			Help:    "Duration of job processing in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 2700},
		},
		[]string{"job_type"},
	)

	// OutboxWritesTotal counts outbox rows reaching a status, by kind.
	OutboxWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_outbox_writes_total",
			Help: "Total outbox writes by kind and resulting status.",
		},
		[]string{"kind", "status"},
	)

	// AmbiguousRecoveriesTotal counts ambiguous-row resolutions by outcome.
	AmbiguousRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_ambiguous_recoveries_total",
			Help: "Ambiguous outbox recoveries by outcome (sent, requeued).",
		},
		[]string{"outcome"},
	)

	// PolicyDecisionsTotal counts sandbox policy decisions by rule and effect.
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_policy_decisions_total",
			Help: "Sandbox policy decisions by rule and effect.",
		},
		[]string{"rule", "effect"},
	)

	// JanitorSweepsTotal counts janitor actions by kind.
	JanitorSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_janitor_sweeps_total",
			Help: "Janitor actions by kind (reclaimed_jobs, purged_jobs, pruned_events, expired_worktrees).",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		PhaseTransitionsTotal,
		EventsAppendedTotal,
		JobsTotal,
		JobDurationSeconds,
		OutboxWritesTotal,
		AmbiguousRecoveriesTotal,
		PolicyDecisionsTotal,
		JanitorSweepsTotal,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

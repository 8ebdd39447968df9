package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted tracks jobs handed to the scheduler per workflow and stage
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_jobs_submitted_total",
			Help: "Total number of jobs submitted to the scheduler",
		},
		[]string{"workflow", "stage"},
	)

	// JobsCompleted tracks terminal job transitions per workflow and status
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"workflow", "status"},
	)

	// RecoveryAttempts tracks classification+repair cycles per kind and outcome
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_recovery_attempts_total",
			Help: "Total number of recovery attempts",
		},
		[]string{"workflow", "kind", "outcome"},
	)

	// MaterialsBlacklisted tracks materials suppressed after exhausted recovery
	MaterialsBlacklisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_materials_blacklisted_total",
			Help: "Total number of materials blacklisted",
		},
		[]string{"workflow"},
	)

	// ActiveJobs tracks currently queued or running jobs per workflow
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_active_jobs",
			Help: "Number of jobs currently queued or running",
		},
		[]string{"workflow"},
	)

	// SubmissionsDeferred tracks candidates left pending by admission control
	SubmissionsDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_submissions_deferred_total",
			Help: "Total number of candidates deferred by admission control",
		},
		[]string{"workflow", "reason"},
	)
)

// Package batchsystem defines the opaque batch execution backend
// interface the Leader issues and reaps commands through.
package batchsystem

import "time"

// UpdatedJob is one completion event surfaced by GetUpdatedBatchJob.
type UpdatedJob struct {
	BatchJobID string
	ExitCode   int
	WallTime   time.Duration
	HasWallTime bool
}

// BatchSystem is the opaque backend the Leader submits commands to and
// reaps completions from. The Leader is the only caller; implementations
// need not be safe for concurrent use by multiple callers, only internally
// consistent against their own background bookkeeping.
type BatchSystem interface {
	// IssueBatchJob submits command with the given resource request and
	// returns a batch-system-assigned job ID.
	IssueBatchJob(command string, memory int64, cores float64, disk int64, preemptable bool) (string, error)

	// KillBatchJobs instructs the backend to terminate the given jobs.
	// The backend may never surface a completion event for a killed job.
	KillBatchJobs(ids []string)

	// GetIssuedBatchJobIDs returns every job ID the backend currently
	// considers issued (queued or running).
	GetIssuedBatchJobIDs() []string

	// GetRunningBatchJobIDs returns currently running jobs mapped to how
	// long each has been running.
	GetRunningBatchJobIDs() map[string]time.Duration

	// GetUpdatedBatchJob blocks up to timeout for the next completion
	// event. Returns (nil, nil) on timeout with nothing available.
	GetUpdatedBatchJob(timeout time.Duration) (*UpdatedJob, error)

	// Shutdown stops accepting work and releases resources.
	Shutdown() error
}

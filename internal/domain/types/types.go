// Package types contains the response shapes shared by the service and the
// HTTP API.
package types

import (
	"time"

	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
)

// SubmitRequest carries the per-upload parameters of an async import. Format
// is a parser format name; empty fields fall back to service defaults.
type SubmitRequest struct {
	Filename  string
	Format    string
	Strategy  merge.Strategy
	Threshold float64
}

// JobStatus is the lifecycle state of a submitted import.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change any more.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the externally visible state of an import job.
type Job struct {
	ID          string                  `json:"id"`
	Source      string                  `json:"source"`
	Format      string                  `json:"format,omitempty"`
	Status      JobStatus               `json:"status"`
	Progress    float64                 `json:"progress"`
	Stage       string                  `json:"stage,omitempty"`
	SubmittedAt time.Time               `json:"submittedAt"`
	StartedAt   *time.Time              `json:"startedAt,omitempty"`
	FinishedAt  *time.Time              `json:"finishedAt,omitempty"`
	Analytics   *model.ImportAnalytics  `json:"analytics,omitempty"`
	Errors      []*recovery.ImportError `json:"errors,omitempty"`
	Failure     string                  `json:"failure,omitempty"`
}

// MergeCounts mirrors the resolver's cumulative counters.
type MergeCounts struct {
	Merged   int `json:"merged"`
	Skipped  int `json:"skipped"`
	KeptBoth int `json:"keptBoth"`
}

// Stats summarises the service for monitoring.
type Stats struct {
	Started        bool              `json:"started"`
	Workers        int               `json:"workers"`
	QueueLength    int               `json:"queueLength"`
	QueueCapacity  int               `json:"queueCapacity"`
	StoreDriver    string            `json:"storeDriver"`
	StoredContacts int               `json:"storedContacts"`
	TrackedUploads int64             `json:"trackedUploads"`
	Jobs           map[JobStatus]int `json:"jobs"`
	Merges         MergeCounts       `json:"merges"`
}

package model

import (
	"maps"
	"time"
)

// Run statuses.
const (
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ImportAnalytics aggregates the counters of one import run. It is built
// while the run progresses and persisted once at the end.
type ImportAnalytics struct {
	RunID               string         `json:"runId"`
	Source              string         `json:"source,omitempty"`
	Format              string         `json:"format,omitempty"`
	Status              string         `json:"status"`
	Total               int            `json:"total"`
	Processed           int            `json:"processed"`
	DuplicatesFound     int            `json:"duplicatesFound"`
	Collapsed           int            `json:"collapsed"`
	ConflictsDetected   int            `json:"conflictsDetected"`
	MergedCount         int            `json:"mergedCount"`
	SkippedCount        int            `json:"skippedCount"`
	KeptBothCount       int            `json:"keptBothCount"`
	InsertedCount       int            `json:"insertedCount"`
	InvalidCount        int            `json:"invalidCount"`
	ErrorCount          int            `json:"errorCount"`
	WarningCount        int            `json:"warningCount"`
	TotalBatches        int            `json:"totalBatches"`
	FailedBatches       int            `json:"failedBatches"`
	NormalizationCounts map[string]int `json:"normalizationCounts"`
	ProcessingTime      time.Duration  `json:"processingTime"`
	StartedAt           time.Time      `json:"startedAt"`
	CompletedAt         time.Time      `json:"completedAt"`
}

// NewImportAnalytics starts an empty analytics record.
func NewImportAnalytics(runID, source string, startedAt time.Time) ImportAnalytics {
	return ImportAnalytics{
		RunID:               runID,
		Source:              source,
		StartedAt:           startedAt,
		NormalizationCounts: make(map[string]int),
	}
}

// AddNormalizationCounts folds per-field counts into the record.
func (a *ImportAnalytics) AddNormalizationCounts(counts map[string]int) {
	if a.NormalizationCounts == nil {
		a.NormalizationCounts = make(map[string]int, len(counts))
	}
	for field, n := range counts {
		a.NormalizationCounts[field] += n
	}
}

// Finish stamps completion time, duration and the derived status.
func (a *ImportAnalytics) Finish(now time.Time) {
	a.CompletedAt = now
	a.ProcessingTime = now.Sub(a.StartedAt)
	switch {
	case a.ErrorCount > 0 && a.InsertedCount == 0 && a.MergedCount == 0:
		a.Status = RunStatusFailed
	case a.ErrorCount > 0 || a.FailedBatches > 0:
		a.Status = RunStatusPartial
	default:
		a.Status = RunStatusCompleted
	}
}

// Copy returns a snapshot safe to hand to another goroutine.
func (a ImportAnalytics) Copy() ImportAnalytics {
	a.NormalizationCounts = maps.Clone(a.NormalizationCounts)
	return a
}

// MergeHistoryEntry is appended to additionalFields.mergeHistory on every
// merge so the resolution can be audited or undone.
type MergeHistoryEntry struct {
	MergedAt time.Time         `json:"mergedAt"`
	Strategy string            `json:"strategy"`
	Rules    map[string]string `json:"rules,omitempty"`
	Existing ContactRecord     `json:"existing"`
	New      ContactRecord     `json:"new"`
}

// ImportJob is the unit of work carried by the job queue.
type ImportJob struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Size        int       `json:"size"`
	SubmittedAt time.Time `json:"submittedAt"`
}

package pipeline

import (
	"time"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
)

// Stage names reported through OnProgress and OnBatchProcessed.
type Stage string

const (
	StageNormalize  Stage = "normalize"
	StageGroup      Stage = "group"
	StageBatch      Stage = "batch"
	StageCrossBatch Stage = "cross_batch"
	StageComplete   Stage = "complete"
)

// BatchResult is the outcome of one batch.
type BatchResult struct {
	BatchIndex          int                    `json:"batchIndex"`
	Records             []model.ContactRecord  `json:"-"`
	DuplicateGroups     []model.DuplicateGroup `json:"-"`
	NormalizationCounts map[string]int         `json:"normalizationCounts"`
	Size                int                    `json:"size"`
	Failed              bool                   `json:"failed"`
	Err                 error                  `json:"-"`
	Duration            time.Duration          `json:"duration"`
}

// PipelineResult reduces every BatchResult of a run.
type PipelineResult struct {
	// Contacts are the successful batches' records in batch index order.
	Contacts []model.ContactRecord `json:"-"`
	// DuplicateGroups come from the cross-batch pass and partition Contacts.
	DuplicateGroups     []model.DuplicateGroup  `json:"-"`
	Batches             []BatchResult           `json:"batches"`
	TotalRecords        int                     `json:"totalRecords"`
	TotalProcessed      int                     `json:"totalProcessed"`
	TotalBatches        int                     `json:"totalBatches"`
	ProcessedBatches    int                     `json:"processedBatches"`
	FailedBatches       int                     `json:"failedBatches"`
	DuplicatesFound     int                     `json:"duplicatesFound"`
	NormalizationCounts map[string]int          `json:"normalizationCounts"`
	Errors              []*recovery.ImportError `json:"errors"`
	ErrorCount          int                     `json:"errorCount"`
	WarningCount        int                     `json:"warningCount"`
	ProcessingTime      time.Duration           `json:"processingTime"`
}

// Package pipeline drives the per-file weighted stage machine: it builds
// the stage list for a file, accepts stage transitions and progress
// updates from stage handlers, computes monotonic aggregate progress, and
// reports completion/failure to the progress bus. Grounded on the
// teacher's JobProgress mutex-guarded-mutator pattern in
// internal/orchestrator/scheduler.go, adapted from one job's chunk/record
// counters to a weighted, named stage list.
package pipeline

import "time"

// StageName identifies one unit of post-upload work.
type StageName string

const (
	StageUpload     StageName = "upload"
	StageValidation StageName = "validation"
	StageProcessing StageName = "processing"
	StageOCR        StageName = "ocr"
	StageSTT        StageName = "stt"
	StageEmbedding  StageName = "embedding"
	StageStorage    StageName = "storage"
	StageCleanup    StageName = "cleanup"
)

// StageStatus is the lifecycle state of one stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusError     StageStatus = "error"
)

// stageDef is one row of the canonical stage table: its name and default
// weight. Which stages apply to a file is decided by requiredStages.
type stageDef struct {
	Name   StageName
	Weight float64
}

// canonicalStages lists every known stage in canonical order with its
// default weight. This table must not be reordered — stage order here is
// pipeline stage order.
var canonicalStages = []stageDef{
	{StageUpload, 0.10},
	{StageValidation, 0.05},
	{StageProcessing, 0.30},
	{StageOCR, 0.20},
	{StageSTT, 0.15},
	{StageEmbedding, 0.10},
	{StageStorage, 0.05},
	{StageCleanup, 0.05},
}

// Stage is one element of a Pipeline's stage list.
type Stage struct {
	Name      StageName
	Weight    float64
	Status    StageStatus
	Progress  float64
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     string
}

func (s *Stage) effectiveProgress() float64 {
	switch s.Status {
	case StatusCompleted:
		return 1
	case StatusRunning:
		return s.Progress
	default:
		return 0
	}
}

// StageHistoryEntry records one completed or failed stage for diagnostics.
type StageHistoryEntry struct {
	Name     StageName
	Status   StageStatus
	Duration time.Duration
}

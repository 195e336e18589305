package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// Pipeline is the per-file orchestration state: the ordered stage list,
// the currently running stage, and the history of completed/failed
// stages. The stage state is unexported and is mutated only by the
// Orchestrator's methods, each holding the pipeline's mutex.
type Pipeline struct {
	FileID    string
	OwnerID   string
	StartTime time.Time

	mu           sync.Mutex
	stages       []*Stage
	currentStage StageName
	errors       []string
	warnings     []string
	history      []StageHistoryEntry
	overall      float64 // last emitted aggregate, for monotonicity
	terminalAt   time.Time
}

// requiredStages derives which optional stages apply to a file, per the
// stage table's "triggered by" column.
func requiredStages(meta ingest.Metadata) map[StageName]bool {
	required := map[StageName]bool{
		StageUpload:     true,
		StageValidation: true,
		StageProcessing: true,
		StageStorage:    true,
		StageCleanup:    true,
	}
	if meta.ToolResource == "ocr" {
		required[StageOCR] = true
	}
	if strings.HasPrefix(meta.Type, "audio/") {
		required[StageSTT] = true
	}
	if meta.ToolResource == "file_search" {
		required[StageEmbedding] = true
	}
	return required
}

func newPipeline(fileID, ownerID string, meta ingest.Metadata, now time.Time) *Pipeline {
	required := requiredStages(meta)
	p := &Pipeline{FileID: fileID, OwnerID: ownerID, StartTime: now}
	for _, def := range canonicalStages {
		if !required[def.Name] {
			continue
		}
		p.stages = append(p.stages, &Stage{Name: def.Name, Weight: def.Weight, Status: StatusPending})
	}
	return p
}

func (p *Pipeline) stageByName(name StageName) *Stage {
	for _, s := range p.stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// aggregateLocked computes overallProgress = Σ wᵢ·stageProgressᵢ / Σ wᵢ
// over this pipeline's included stages only (not the canonical table's
// total weight), then enforces monotonicity via max(previous, computed).
// Must be called with p.mu held.
func (p *Pipeline) aggregateLocked() float64 {
	var weighted, totalWeight float64
	for _, s := range p.stages {
		weighted += s.Weight * s.effectiveProgress()
		totalWeight += s.Weight
	}
	computed := 0.0
	if totalWeight > 0 {
		computed = weighted / totalWeight
	}
	if computed > p.overall {
		p.overall = computed
	}
	return p.overall
}

// Snapshot is an immutable copy of a Pipeline's state for external readers
// (status endpoints, tests) that must not hold the pipeline's mutex.
type Snapshot struct {
	FileID          string
	OwnerID         string
	StartTime       time.Time
	CurrentStage    StageName
	Stages          []Stage
	Errors          []string
	Warnings        []string
	History         []StageHistoryEntry
	OverallProgress float64
	Terminal        bool
	TerminalAt      time.Time
}

func (p *Pipeline) snapshot() Snapshot {
	stages := make([]Stage, len(p.stages))
	for i, s := range p.stages {
		stages[i] = *s
	}
	return Snapshot{
		FileID: p.FileID, OwnerID: p.OwnerID, StartTime: p.StartTime,
		CurrentStage: p.currentStage, Stages: stages,
		Errors: append([]string(nil), p.errors...), Warnings: append([]string(nil), p.warnings...),
		History:         append([]StageHistoryEntry(nil), p.history...),
		OverallProgress: p.overall,
		Terminal:        !p.terminalAt.IsZero(),
		TerminalAt:      p.terminalAt,
	}
}

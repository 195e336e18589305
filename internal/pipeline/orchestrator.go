package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
)

// ProgressSink is the subset of progressbus.Bus the orchestrator needs.
// Declaring it here, rather than importing progressbus, keeps pipeline
// free of a dependency on the bus package; progressbus.Bus satisfies it
// structurally.
type ProgressSink interface {
	UpdateProgress(fileID string, principal ingest.Principal, progress float64, received, total int, stage string)
	CompleteSession(fileID string, principal ingest.Principal, filePath string, size int64)
	ErrorSession(fileID string, principal ingest.Principal, kind, message string, retryable bool, history []ingest.ErrorEntry)
}

// CompletionInfo is supplied by the uploadsession package when a pipeline's
// final stage finishes, since only it knows the assembled file's path and
// size.
type CompletionInfo struct {
	FilePath string
	Size     int64
}

// postTerminalRetention is how long a completed or failed Pipeline's state
// is kept in the registry before the sweep reclaims it.
const postTerminalRetention = 60 * time.Second

// Orchestrator owns the registry of in-flight Pipelines, one per fileId,
// guarded by a fine-grained per-file lock rather than a single package
// mutex, following the teacher's per-job registry pattern in
// internal/orchestrator/scheduler.go.
type Orchestrator struct {
	logger *slog.Logger
	sink   ProgressSink

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	owners    map[string]ingest.Principal
}

// NewOrchestrator creates an Orchestrator publishing through sink.
func NewOrchestrator(sink ProgressSink, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:    logging.Default(logger).With("component", "pipeline"),
		sink:      sink,
		pipelines: make(map[string]*Pipeline),
		owners:    make(map[string]ingest.Principal),
	}
}

// Init builds the stage list for fileId from meta and registers it. Calling
// Init twice for the same fileId replaces any prior pipeline.
func (o *Orchestrator) Init(fileID string, principal ingest.Principal, meta ingest.Metadata) *Pipeline {
	p := newPipeline(fileID, principal.ID, meta, time.Now())
	o.mu.Lock()
	o.pipelines[fileID] = p
	o.owners[fileID] = principal
	o.mu.Unlock()
	return p
}

func (o *Orchestrator) get(fileID string) (*Pipeline, ingest.Principal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[fileID]
	if !ok {
		return nil, ingest.Principal{}, false
	}
	return p, o.owners[fileID], true
}

// StartStage transitions a stage to running. If another stage was left
// running (the caller skipped CompleteStage, e.g. after a retry resumes at
// a later stage), it is defensively marked completed first so the pipeline
// never reports two stages running at once.
func (o *Orchestrator) StartStage(fileID string, stage StageName) error {
	p, _, ok := o.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no pipeline for file").WithFileID(fileID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stageByName(stage)
	if s == nil {
		return ingest.New(ingest.KindBadIndex, "unknown stage "+string(stage)).WithFileID(fileID)
	}
	if prior := p.stageByName(p.currentStage); prior != nil && prior.Name != stage && prior.Status == StatusRunning {
		now := time.Now()
		prior.Status = StatusCompleted
		prior.Progress = 1
		prior.EndTime = now
		if !prior.StartTime.IsZero() {
			prior.Duration = now.Sub(prior.StartTime)
		}
		p.history = append(p.history, StageHistoryEntry{Name: prior.Name, Status: StatusCompleted, Duration: prior.Duration})
	}
	s.Status = StatusRunning
	s.StartTime = time.Now()
	p.currentStage = stage
	return nil
}

// UpdateStageProgress records fractional progress within stage and
// publishes the pipeline's recomputed aggregate progress.
func (o *Orchestrator) UpdateStageProgress(fileID string, stage StageName, fraction float64) error {
	p, principal, ok := o.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no pipeline for file").WithFileID(fileID)
	}
	p.mu.Lock()
	s := p.stageByName(stage)
	if s == nil {
		p.mu.Unlock()
		return ingest.New(ingest.KindBadIndex, "unknown stage "+string(stage)).WithFileID(fileID)
	}
	s.Progress = clamp01(fraction)
	overall := p.aggregateLocked()
	p.mu.Unlock()

	if o.sink != nil {
		o.sink.UpdateProgress(fileID, principal, overall, 0, 0, string(stage))
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// CompleteStage marks stage completed. If it is the pipeline's last
// included stage, the pipeline is finalized and done (via info) is
// reported to the sink.
func (o *Orchestrator) CompleteStage(fileID string, stage StageName, info CompletionInfo) error {
	p, principal, ok := o.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no pipeline for file").WithFileID(fileID)
	}
	p.mu.Lock()
	s := p.stageByName(stage)
	if s == nil {
		p.mu.Unlock()
		return ingest.New(ingest.KindBadIndex, "unknown stage "+string(stage)).WithFileID(fileID)
	}
	now := time.Now()
	s.Status = StatusCompleted
	s.Progress = 1
	s.EndTime = now
	if !s.StartTime.IsZero() {
		s.Duration = now.Sub(s.StartTime)
	}
	p.history = append(p.history, StageHistoryEntry{Name: s.Name, Status: StatusCompleted, Duration: s.Duration})

	isLast := p.stages[len(p.stages)-1].Name == stage
	overall := p.aggregateLocked()
	if isLast {
		p.overall = 1
		overall = 1
		p.terminalAt = now
	}
	p.mu.Unlock()

	if o.sink == nil {
		return nil
	}
	if isLast {
		o.sink.CompleteSession(fileID, principal, info.FilePath, info.Size)
	} else {
		o.sink.UpdateProgress(fileID, principal, overall, 0, 0, string(stage))
	}
	return nil
}

// HandleStageError marks stage failed and reports an Error event. retryable
// indicates whether the caller (via recovery.Handle) intends to retry.
func (o *Orchestrator) HandleStageError(fileID string, stage StageName, kind, message string, retryable bool, history []ingest.ErrorEntry) error {
	p, principal, ok := o.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no pipeline for file").WithFileID(fileID)
	}
	p.mu.Lock()
	s := p.stageByName(stage)
	if s == nil {
		p.mu.Unlock()
		return ingest.New(ingest.KindBadIndex, "unknown stage "+string(stage)).WithFileID(fileID)
	}
	s.Status = StatusError
	s.Error = message
	p.errors = append(p.errors, message)
	p.history = append(p.history, StageHistoryEntry{Name: s.Name, Status: StatusError})
	if !retryable {
		p.terminalAt = time.Now()
	}
	p.mu.Unlock()

	if o.sink != nil {
		o.sink.ErrorSession(fileID, principal, kind, message, retryable, history)
	}
	return nil
}

// RestartStage resets a failed stage to pending so a retry can re-run it.
// It takes a plain string (rather than StageName) so it satisfies the
// StageRestarter interface internal/recovery defines for its callers
// without recovery importing this package.
func (o *Orchestrator) RestartStage(fileID string, stage string) error {
	p, _, ok := o.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no pipeline for file").WithFileID(fileID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stageByName(StageName(stage))
	if s == nil {
		return ingest.New(ingest.KindBadIndex, "unknown stage "+stage).WithFileID(fileID)
	}
	s.Status = StatusPending
	s.Progress = 0
	s.Error = ""
	p.terminalAt = time.Time{}
	return nil
}

// Status returns a snapshot of fileId's pipeline.
func (o *Orchestrator) Status(fileID string) (Snapshot, bool) {
	p, _, ok := o.get(fileID)
	if !ok {
		return Snapshot{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), true
}

// ActivePipelines returns snapshots of every pipeline that has not yet
// reached a terminal state.
func (o *Orchestrator) ActivePipelines() []Snapshot {
	o.mu.RLock()
	pipelines := make([]*Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		pipelines = append(pipelines, p)
	}
	o.mu.RUnlock()

	out := make([]Snapshot, 0, len(pipelines))
	for _, p := range pipelines {
		p.mu.Lock()
		if p.terminalAt.IsZero() {
			out = append(out, p.snapshot())
		}
		p.mu.Unlock()
	}
	return out
}

// Sweep evicts pipelines that reached a terminal state more than
// postTerminalRetention ago.
func (o *Orchestrator) Sweep(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for fileID, p := range o.pipelines {
		p.mu.Lock()
		expired := !p.terminalAt.IsZero() && now.Sub(p.terminalAt) > postTerminalRetention
		p.mu.Unlock()
		if expired {
			delete(o.pipelines, fileID)
			delete(o.owners, fileID)
		}
	}
}

package uploadsession

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/chunkstore"
	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
	"github.com/abdulmunimjundurahman/ingestd/internal/pipeline"
	"github.com/abdulmunimjundurahman/ingestd/internal/progressbus"
	"github.com/abdulmunimjundurahman/ingestd/internal/recovery"
)

// MaxChunksDefault mirrors the distilled limit on totalChunks per session;
// Manager.maxChunks overrides it from configuration.
const MaxChunksDefault = 1000

// UploadResult is returned by UploadChunk.
type UploadResult struct {
	Progress        float64
	Received        int
	Total           int
	AlreadyReceived bool
}

// ResumeResult is returned by ResumeInfo: a reconciliation of what the
// filesystem actually holds against the session's bookkeeping.
type ResumeResult struct {
	Total    int
	Received []int
	Missing  []int
	Progress float64
}

// AssembleResult is returned by Assemble.
type AssembleResult struct {
	Path string
	Size int64
}

// StageRunner executes a pipeline stage's actual work. The concrete
// OCR/STT/embedding/storage/cleanup workers are pluggable collaborators
// outside this package's scope; Manager only drives their Start/Complete
// bookkeeping around whatever StageRunner is configured.
type StageRunner interface {
	Run(ctx context.Context, fileID string, stage string, meta ingest.Metadata) error
}

// Manager is the UploadSessionManager: a registry of in-flight Sessions
// keyed by fileId, each independently lockable, coordinating chunkstore,
// progressbus, pipeline, and recovery.
type Manager struct {
	logger *slog.Logger

	store    *chunkstore.Store
	bus      *progressbus.Bus
	pipeline *pipeline.Orchestrator
	recovery *recovery.Controller
	runner   StageRunner

	chunkSize int64
	maxChunks int

	mu       sync.RWMutex
	sessions map[string]*Session
	owners   map[string]ingest.Principal
}

// NewManager creates a Manager. runner may be nil, in which case stages
// after processing complete immediately with no work performed — the
// minimal stand-in for a deployment that has not wired real stage workers.
func NewManager(store *chunkstore.Store, bus *progressbus.Bus, orch *pipeline.Orchestrator, rec *recovery.Controller, runner StageRunner, chunkSize int64, maxChunks int, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = noopStageRunner{}
	}
	return &Manager{
		logger:    logging.Default(logger).With("component", "uploadsession"),
		store:     store,
		bus:       bus,
		pipeline:  orch,
		recovery:  rec,
		runner:    runner,
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		sessions:  make(map[string]*Session),
		owners:    make(map[string]ingest.Principal),
	}
}

type noopStageRunner struct{}

func (noopStageRunner) Run(ctx context.Context, fileID string, stage string, meta ingest.Metadata) error {
	return nil
}

func (m *Manager) get(fileID string) (*Session, ingest.Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[fileID]
	if !ok {
		return nil, ingest.Principal{}, false
	}
	return s, m.owners[fileID], true
}

// Init creates a new session for fileId, or resets an existing terminal
// one. A non-terminal existing session is a Conflict.
func (m *Manager) Init(fileID string, principal ingest.Principal, meta ingest.Metadata) (Snapshot, error) {
	if meta.Size > m.chunkSize*int64(m.maxChunks) {
		return Snapshot{}, ingest.New(ingest.KindSizeExceeded, "file size exceeds chunkSize*maxChunks").WithFileID(fileID)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[fileID]; ok {
		existing.mu.Lock()
		terminal := existing.status.terminal()
		existing.mu.Unlock()
		if !terminal {
			m.mu.Unlock()
			return Snapshot{}, ingest.New(ingest.KindConflict, "session already in progress for this file").WithFileID(fileID)
		}
	}
	now := time.Now()
	session := newSession(fileID, principal.ID, meta, m.chunkSize, now)
	m.sessions[fileID] = session
	m.owners[fileID] = principal
	m.mu.Unlock()

	tempDir, err := m.store.Prepare(fileID, principal.ID)
	if err != nil {
		return Snapshot{}, err
	}

	session.mu.Lock()
	session.status = StatusReceiving
	session.TempDir = tempDir
	snap := session.snapshotLocked()
	session.mu.Unlock()

	m.pipeline.Init(fileID, principal, meta)
	m.pipeline.StartStage(fileID, pipeline.StageUpload)

	m.bus.StartSession(fileID, principal, map[string]string{"name": meta.Name, "type": meta.Type})
	return snap, nil
}

// UploadChunk stores one chunk's bytes, idempotently.
func (m *Manager) UploadChunk(fileID string, index int, data []byte, clientDigest string) (UploadResult, error) {
	session, principal, ok := m.get(fileID)
	if !ok {
		return UploadResult{}, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}

	session.mu.Lock()
	if session.status == StatusCancelled {
		session.mu.Unlock()
		return UploadResult{}, ingest.New(ingest.KindNotFound, "session was cancelled").WithFileID(fileID)
	}
	if session.status != StatusReceiving {
		session.mu.Unlock()
		return UploadResult{}, ingest.New(ingest.KindConflict, "session not accepting chunks").WithFileID(fileID)
	}
	if index < 0 || index >= session.TotalChunks {
		session.mu.Unlock()
		return UploadResult{}, ingest.New(ingest.KindBadIndex, fmt.Sprintf("chunk index %d out of range [0,%d)", index, session.TotalChunks)).WithFileID(fileID)
	}
	if session.receivedChunks[index] {
		result := UploadResult{
			Progress: float64(len(session.receivedChunks)) / float64(maxInt(session.TotalChunks, 1)),
			Received: len(session.receivedChunks), Total: session.TotalChunks, AlreadyReceived: true,
		}
		session.mu.Unlock()
		return result, nil
	}
	session.mu.Unlock()

	digest := md5Hex(data)
	if clientDigest != "" && clientDigest != digest {
		return UploadResult{}, ingest.New(ingest.KindChecksumMismatch, "chunk digest mismatch").WithFileID(fileID)
	}

	if err := m.store.Write(fileID, session.OwnerID, index, data); err != nil {
		_, ierr := m.handleFailure(fileID, principal, recovery.Context{Chunked: true}, err)
		return UploadResult{}, ierr
	}

	session.mu.Lock()
	session.receivedChunks[index] = true
	session.chunkHashes[index] = digest
	session.lastActivity = time.Now()
	received := len(session.receivedChunks)
	total := session.TotalChunks
	session.mu.Unlock()

	progress := 0.0
	if total > 0 {
		progress = float64(received) / float64(total)
	}
	m.pipeline.UpdateStageProgress(fileID, pipeline.StageUpload, progress)
	m.bus.UpdateProgress(fileID, principal, progress, received, total, string(pipeline.StageUpload))

	return UploadResult{Progress: progress, Received: received, Total: total}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ResumeInfo rescans the chunk store (the source of truth for what is on
// disk) and reconciles it against the session's bookkeeping.
func (m *Manager) ResumeInfo(fileID string) (ResumeResult, error) {
	session, _, ok := m.get(fileID)
	if !ok {
		return ResumeResult{}, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	onDisk, err := m.store.List(fileID, session.OwnerID)
	if err != nil {
		return ResumeResult{}, err
	}
	present := make(map[int]bool, len(onDisk))
	for _, idx := range onDisk {
		present[idx] = true
	}

	session.mu.Lock()
	for _, idx := range onDisk {
		session.receivedChunks[idx] = true
	}
	total := session.TotalChunks
	session.lastActivity = time.Now()
	session.mu.Unlock()

	var missing []int
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	progress := 0.0
	if total > 0 {
		progress = float64(len(onDisk)) / float64(total)
	}
	return ResumeResult{Total: total, Received: onDisk, Missing: missing, Progress: progress}, nil
}

// Resume is the recovery-triggered retry entrypoint (recovery.Resumer): it
// re-attempts assembly for a session that was mid-assembling when a
// retryable error interrupted it.
func (m *Manager) Resume(ctx context.Context, fileID string) error {
	session, _, ok := m.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	session.mu.Lock()
	outPath := session.pendingOutPath
	status := session.status
	session.mu.Unlock()
	if status != StatusAssembling || outPath == "" {
		return nil
	}
	session.assembling.Store(false) // allow Assemble to re-enter
	_, err := m.Assemble(ctx, fileID, outPath)
	return err
}

// Assemble requires every chunk to be present, transitions the session
// through assembling, streams the assembled file via ChunkStore, runs the
// remaining pipeline stages through StageRunner, and finalizes status.
func (m *Manager) Assemble(ctx context.Context, fileID string, outPath string) (AssembleResult, error) {
	session, principal, ok := m.get(fileID)
	if !ok {
		return AssembleResult{}, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}

	if !session.assembling.CompareAndSwap(false, true) {
		return AssembleResult{}, ingest.New(ingest.KindConflict, "assembly already in progress for this file").WithFileID(fileID)
	}

	session.mu.Lock()
	if session.status != StatusReceiving && session.status != StatusAssembling {
		status := session.status
		session.mu.Unlock()
		session.assembling.Store(false)
		return AssembleResult{}, ingest.New(ingest.KindConflict, "session not ready to assemble, status="+string(status)).WithFileID(fileID)
	}
	if len(session.receivedChunks) != session.TotalChunks {
		session.mu.Unlock()
		session.assembling.Store(false)
		return AssembleResult{}, ingest.New(ingest.KindConflict, "not all chunks received").WithFileID(fileID)
	}
	confined, err := m.store.ConfineOutputPath(outPath)
	if err != nil {
		session.mu.Unlock()
		session.assembling.Store(false)
		return AssembleResult{}, err
	}
	session.status = StatusAssembling
	session.pendingOutPath = confined
	order := make([]int, session.TotalChunks)
	for i := range order {
		order[i] = i
	}
	meta := session.Metadata
	ownerID := session.OwnerID
	session.mu.Unlock()

	m.pipeline.CompleteStage(fileID, pipeline.StageUpload, pipeline.CompletionInfo{})
	m.pipeline.StartStage(fileID, pipeline.StageValidation)
	if !m.validateChunks(session) {
		checksumErr := ingest.New(ingest.KindChecksumMismatch, "stored chunk digest mismatch").WithFileID(fileID)
		_, ierr := m.handleStageFailure(fileID, principal, pipeline.StageValidation, checksumErr)
		m.finalizeFailed(fileID, session)
		session.assembling.Store(false)
		return AssembleResult{}, ierr
	}
	m.pipeline.CompleteStage(fileID, pipeline.StageValidation, pipeline.CompletionInfo{})

	m.pipeline.StartStage(fileID, pipeline.StageProcessing)
	size, err := m.store.Assemble(fileID, ownerID, order, confined, meta.Size)
	if err != nil {
		action, ierr := m.handleStageFailure(fileID, principal, pipeline.StageProcessing, err)
		session.assembling.Store(false)
		if action == recovery.ActionRetry {
			return AssembleResult{}, ierr
		}
		m.finalizeFailed(fileID, session)
		return AssembleResult{}, ierr
	}
	if m.recovery != nil {
		m.recovery.MarkRetrySucceeded(fileID)
	}
	m.pipeline.CompleteStage(fileID, pipeline.StageProcessing, pipeline.CompletionInfo{FilePath: confined, Size: size})

	if err := m.store.Purge(fileID, ownerID); err != nil {
		m.logger.Warn("purge chunks after assemble", "fileId", fileID, "error", err)
	}

	if action, err := m.runRemainingStages(ctx, fileID, principal, meta, confined, size); err != nil {
		session.assembling.Store(false)
		if action != recovery.ActionRetry {
			m.finalizeFailed(fileID, session)
		}
		return AssembleResult{}, err
	}

	session.mu.Lock()
	session.status = StatusCompleted
	session.mu.Unlock()
	session.assembling.Store(false)

	return AssembleResult{Path: confined, Size: size}, nil
}

func (m *Manager) validateChunks(session *Session) bool {
	session.mu.Lock()
	ownerID := session.OwnerID
	hashes := make(map[int]string, len(session.chunkHashes))
	for k, v := range session.chunkHashes {
		hashes[k] = v
	}
	session.mu.Unlock()

	for idx, want := range hashes {
		data, err := m.store.Read(session.FileID, ownerID, idx)
		if err != nil {
			return false
		}
		if md5Hex(data) != want {
			return false
		}
	}
	return true
}

// runRemainingStages executes every pipeline stage after processing, in
// canonical order, via the configured StageRunner. It returns the recovery
// Action taken for the first stage that fails, if any.
func (m *Manager) runRemainingStages(ctx context.Context, fileID string, principal ingest.Principal, meta ingest.Metadata, outPath string, size int64) (recovery.Action, error) {
	snap, ok := m.pipeline.Status(fileID)
	if !ok {
		return "", nil
	}
	started := false
	for _, stage := range snap.Stages {
		if !started {
			if stage.Name == pipeline.StageProcessing {
				started = true
			}
			continue
		}
		m.pipeline.StartStage(fileID, stage.Name)
		if err := m.runner.Run(ctx, fileID, string(stage.Name), meta); err != nil {
			action, ierr := m.handleStageFailure(fileID, principal, stage.Name, err)
			return action, ierr
		}
		info := pipeline.CompletionInfo{}
		if stage.Name == snap.Stages[len(snap.Stages)-1].Name {
			info = pipeline.CompletionInfo{FilePath: outPath, Size: size}
		}
		m.pipeline.CompleteStage(fileID, stage.Name, info)
	}
	return "", nil
}

// handleFailure classifies and schedules (or terminates) a retry for err via
// recovery.Controller, attaches the resulting client-facing Recovery hint to
// the returned *ingest.Error, and emits the appropriate pipeline/bus events.
// retryCtx.Chunked selects whether a retry fires Resume (chunk upload) or
// RestartStage (pipeline stage) on timeout.
func (m *Manager) handleFailure(fileID string, principal ingest.Principal, retryCtx recovery.Context, err error) (recovery.Action, error) {
	ierr := ingest.AsError(err)

	action := recovery.ActionFail
	var history []ingest.ErrorEntry
	var delay time.Duration
	maxAttempts := 0
	if m.recovery != nil {
		action, history, delay = m.recovery.Handle(fileID, ierr, retryCtx)
		maxAttempts = m.recovery.MaxAttempts()
	}
	ierr.WithRecovery(&ingest.Recovery{
		Action: string(action), DelayMS: delay.Milliseconds(), Attempt: len(history), MaxAttempt: maxAttempts,
	})

	if !retryCtx.Chunked {
		m.pipeline.HandleStageError(fileID, pipeline.StageName(retryCtx.Stage), ierr.Kind.String(), ierr.Error(), action == recovery.ActionRetry, history)
	}
	switch action {
	case recovery.ActionRetry:
		m.bus.RetrySession(fileID, principal, ierr.Kind.String(), ierr.Error(), len(history), history)
	case recovery.ActionFail:
		m.bus.ErrorSession(fileID, principal, ierr.Kind.String(), ierr.Error(), false, history)
	}
	return action, ierr
}

func (m *Manager) handleStageFailure(fileID string, principal ingest.Principal, stage pipeline.StageName, err error) (recovery.Action, error) {
	return m.handleFailure(fileID, principal, recovery.Context{Chunked: false, Stage: string(stage)}, err)
}

func (m *Manager) finalizeFailed(fileID string, session *Session) {
	session.mu.Lock()
	session.status = StatusFailed
	session.mu.Unlock()
}

// Cancel purges a session's chunks and marks it cancelled. Idempotent.
func (m *Manager) Cancel(fileID string) error {
	session, principal, ok := m.get(fileID)
	if !ok {
		return ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	session.mu.Lock()
	if session.status.terminal() {
		session.mu.Unlock()
		return nil
	}
	session.status = StatusCancelled
	ownerID := session.OwnerID
	session.mu.Unlock()

	if m.recovery != nil {
		m.recovery.Cancel(fileID)
	}
	if err := m.store.Purge(fileID, ownerID); err != nil {
		m.logger.Warn("purge chunks on cancel", "fileId", fileID, "error", err)
	}
	m.bus.ErrorSession(fileID, principal, "Cancelled", "upload cancelled", false, nil)
	return nil
}

// Validate re-digests every stored chunk and compares it to the recorded
// digest, returning false on the first mismatch.
func (m *Manager) Validate(fileID string) (bool, error) {
	session, _, ok := m.get(fileID)
	if !ok {
		return false, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	return m.validateChunks(session), nil
}

// Status returns a snapshot of fileId's session.
func (m *Manager) Status(fileID string) (Snapshot, bool) {
	session, _, ok := m.get(fileID)
	if !ok {
		return Snapshot{}, false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.snapshotLocked(), true
}

// timeoutSession fails a session whose chunk inactivity window expired,
// distinct from an explicit Cancel: status becomes StatusFailed and the
// emitted error is ingest.KindTimeout (504), not "Cancelled".
func (m *Manager) timeoutSession(fileID string) {
	session, principal, ok := m.get(fileID)
	if !ok {
		return
	}
	session.mu.Lock()
	if session.status.terminal() {
		session.mu.Unlock()
		return
	}
	session.status = StatusFailed
	ownerID := session.OwnerID
	session.mu.Unlock()

	if m.recovery != nil {
		m.recovery.Cancel(fileID)
	}
	if err := m.store.Purge(fileID, ownerID); err != nil {
		m.logger.Warn("purge chunks on timeout", "fileId", fileID, "error", err)
	}
	m.bus.ErrorSession(fileID, principal, ingest.KindTimeout.String(), "upload timed out: no chunk activity within inactivity window", false, nil)
}

// SweepInactive fails any non-terminal session whose last chunk activity is
// older than maxIdle, and evicts terminal sessions older than
// terminalRetention. Intended to be called periodically by internal/sweep.
func (m *Manager) SweepInactive(maxIdle, terminalRetention time.Duration) {
	now := time.Now()

	m.mu.RLock()
	fileIDs := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		fileIDs = append(fileIDs, id)
	}
	m.mu.RUnlock()

	for _, fileID := range fileIDs {
		session, _, ok := m.get(fileID)
		if !ok {
			continue
		}
		session.mu.Lock()
		status := session.status
		idle := now.Sub(session.lastActivity)
		session.mu.Unlock()

		if !status.terminal() && idle > maxIdle {
			m.timeoutSession(fileID)
			continue
		}
		if status.terminal() && idle > terminalRetention {
			m.mu.Lock()
			delete(m.sessions, fileID)
			delete(m.owners, fileID)
			m.mu.Unlock()
		}
	}
}

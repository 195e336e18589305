package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
)

// Action is the outcome of Handle.
type Action string

const (
	ActionRetry Action = "retry"
	ActionFail  Action = "fail"
)

// RetryRecord tracks one fileId's retry history across its lifetime.
type RetryRecord struct {
	FileID         string
	Attempts       int
	FirstErrorTime time.Time
	LastErrorTime  time.Time
	History        []ingest.ErrorEntry
}

// Resumer is the subset of UploadSessionManager a chunked-context retry
// calls back into. Defined here, rather than importing uploadsession, so
// recovery has no dependency on it; uploadsession satisfies this
// structurally.
type Resumer interface {
	Resume(ctx context.Context, fileID string) error
}

// StageRestarter is the subset of PipelineOrchestrator a pipeline-context
// retry calls back into. pipeline.Orchestrator satisfies this structurally.
type StageRestarter interface {
	RestartStage(fileID string, stage string) error
}

// Context distinguishes which callback a retry should invoke on firing.
type Context struct {
	Chunked bool
	Stage   string // meaningful only when !Chunked
}

// Controller is the RecoveryController: it classifies errors, computes
// backoff, and owns the timers that drive retries. One Controller serves
// every in-flight file; state is keyed per fileId under a registry mutex,
// following the teacher's per-job registry idiom rather than a single
// package-level lock.
type Controller struct {
	logger  *slog.Logger
	policy  BackoffPolicy
	resumer Resumer
	stager  StageRestarter
	onFail  func(fileID string, tag Tag, message string, history []ingest.ErrorEntry)

	mu      sync.Mutex
	records map[string]*RetryRecord
	timers  map[string]*time.Timer
}

// New creates a Controller. onFail is invoked when a fileId exhausts its
// retry budget or hits a non-retryable classification; the caller is
// expected to purge session state and emit the terminal event (progressbus
// has no place in this package's dependency graph).
func New(policy BackoffPolicy, resumer Resumer, stager StageRestarter, onFail func(fileID string, tag Tag, message string, history []ingest.ErrorEntry), logger *slog.Logger) *Controller {
	return &Controller{
		logger:  logging.Default(logger).With("component", "recovery"),
		policy:  policy,
		resumer: resumer,
		stager:  stager,
		onFail:  onFail,
		records: make(map[string]*RetryRecord),
		timers:  make(map[string]*time.Timer),
	}
}

func (c *Controller) recordFor(fileID string) *RetryRecord {
	r, ok := c.records[fileID]
	if !ok {
		r = &RetryRecord{FileID: fileID, FirstErrorTime: time.Now()}
		c.records[fileID] = r
	}
	return r
}

// Handle classifies err, updates fileId's retry record, and returns the
// resulting Action alongside the full error history at decision time (the
// record itself may already be purged by the time the caller can look it
// back up, on ActionFail) and the backoff delay scheduled for this attempt
// (zero on ActionFail). On ActionRetry, a cancellable timer is scheduled
// that calls back into Resume or RestartStage per retryCtx on firing. On
// ActionFail, the retry record is purged and onFail is invoked
// synchronously with the same history.
func (c *Controller) Handle(fileID string, err error, retryCtx Context) (Action, []ingest.ErrorEntry, time.Duration) {
	tag, retryable := Classify(err)
	now := time.Now()

	c.mu.Lock()
	record := c.recordFor(fileID)
	record.Attempts++
	record.LastErrorTime = now
	record.History = append(record.History, ingest.ErrorEntry{
		Kind: string(tag), Message: err.Error(), Time: now,
	})
	history := append([]ingest.ErrorEntry(nil), record.History...)

	if !retryable || record.Attempts > c.policy.MaxAttempts {
		delete(c.records, fileID)
		if t, ok := c.timers[fileID]; ok {
			t.Stop()
			delete(c.timers, fileID)
		}
		c.mu.Unlock()
		if c.onFail != nil {
			c.onFail(fileID, tag, err.Error(), history)
		}
		return ActionFail, history, 0
	}

	delay := c.policy.Delay(record.Attempts)
	attempt := record.Attempts
	if existing, ok := c.timers[fileID]; ok {
		existing.Stop()
	}
	c.timers[fileID] = time.AfterFunc(delay, func() { c.fire(fileID, retryCtx, attempt) })
	c.mu.Unlock()

	c.logger.Info("scheduled retry", "fileId", fileID, "tag", tag, "attempt", attempt, "delay", delay)
	return ActionRetry, history, delay
}

// MaxAttempts reports the retry budget this Controller enforces, for
// building client-facing recovery hints.
func (c *Controller) MaxAttempts() int {
	return c.policy.MaxAttempts
}

func (c *Controller) fire(fileID string, retryCtx Context, attempt int) {
	c.mu.Lock()
	delete(c.timers, fileID)
	c.mu.Unlock()

	var err error
	if retryCtx.Chunked {
		if c.resumer != nil {
			err = c.resumer.Resume(context.Background(), fileID)
		}
	} else {
		if c.stager != nil {
			err = c.stager.RestartStage(fileID, retryCtx.Stage)
		}
	}
	if err != nil {
		c.logger.Warn("retry callback failed", "fileId", fileID, "attempt", attempt, "error", err)
	}
}

// Cancel stops and discards any pending retry timer and record for fileId,
// called by UploadSessionManager.cancel so a cancelled session never fires
// a late retry.
func (c *Controller) Cancel(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[fileID]; ok {
		t.Stop()
		delete(c.timers, fileID)
	}
	delete(c.records, fileID)
}

// MarkRetrySucceeded clears fileId's retry record once a retried operation
// completes successfully, so a later unrelated error starts a fresh
// attempt count rather than inheriting the exhausted one.
func (c *Controller) MarkRetrySucceeded(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, fileID)
}

// RecordFor returns a copy of fileId's retry record, for status reporting.
func (c *Controller) RecordFor(fileID string) (RetryRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[fileID]
	if !ok {
		return RetryRecord{}, false
	}
	return *r, true
}

// Sweep discards retry records whose last error is older than maxAge,
// guarding against abandoned files whose session was never explicitly
// cancelled.
func (c *Controller) Sweep(now time.Time, maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fileID, r := range c.records {
		if now.Sub(r.LastErrorTime) > maxAge {
			if t, ok := c.timers[fileID]; ok {
				t.Stop()
				delete(c.timers, fileID)
			}
			delete(c.records, fileID)
		}
	}
}

// Package progressbus is the in-memory event bus: it tracks per-session
// status and fans out ProgressEvents to subscribers filtered by principal.
// Registries are keyed maps guarded by fine-grained locks, following the
// teacher's registry idiom throughout internal/orchestrator, rather than a
// single global lock or a package-level singleton.
package progressbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
)

// Handle identifies one subscription. It is returned by Subscribe and must
// be passed to Unsubscribe.
type Handle string

// SessionInfo is the last-known status of one file's ingestion, retained
// for a grace period after reaching a terminal state so late subscribers
// (or status polls) can observe the final outcome.
type SessionInfo struct {
	FileID      string
	PrincipalID string
	Status      string
	LastEvent   ingest.ProgressEvent
	CreatedAt   time.Time
	TerminalAt  time.Time // zero if not yet terminal
}

func (s SessionInfo) terminal() bool { return !s.TerminalAt.IsZero() }

// TerminalGrace is how long a terminal session's info is retained before
// the sweep evicts it.
const TerminalGrace = 30 * time.Second

// SessionTTL is the absolute age at which any session, terminal or not, is
// evicted by the sweep.
const SessionTTL = 24 * time.Hour

type subscriber struct {
	principalID string
	queue       *subscriberQueue
}

// Bus is the ProgressBus: a publish/subscribe fan-out filtered by
// principal, plus a small read-through session-status table.
type Bus struct {
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   map[string]map[Handle]*subscriber // principalID -> handle -> subscriber

	sessMu   sync.RWMutex
	sessions map[string]*SessionInfo // fileId -> info
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logging.Default(logger).With("component", "progressbus"),
		subs:     make(map[string]map[Handle]*subscriber),
		sessions: make(map[string]*SessionInfo),
	}
}

// Subscribe registers a sink for principal and returns a handle plus a
// function to receive the next event (blocking until available, closed, or
// ctx done). Unsubscribe must be called to release resources.
func (b *Bus) Subscribe(principal ingest.Principal) (Handle, func(ctx context.Context) (ingest.ProgressEvent, bool)) {
	handle := Handle(uuid.NewString())
	sub := &subscriber{principalID: principal.ID, queue: newSubscriberQueue(DefaultQueueCapacity)}

	b.subsMu.Lock()
	if b.subs[principal.ID] == nil {
		b.subs[principal.ID] = make(map[Handle]*subscriber)
	}
	b.subs[principal.ID][handle] = sub
	b.subsMu.Unlock()

	return handle, sub.queue.pop
}

// Unsubscribe idempotently removes a subscription.
func (b *Bus) Unsubscribe(principalID string, handle Handle) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	byHandle, ok := b.subs[principalID]
	if !ok {
		return
	}
	if sub, ok := byHandle[handle]; ok {
		sub.queue.close()
		delete(byHandle, handle)
	}
	if len(byHandle) == 0 {
		delete(b.subs, principalID)
	}
}

// Publish delivers event to every subscriber of event.PrincipalID. Delivery
// is best-effort and never blocks the publisher; a full subscriber queue
// drops its oldest non-terminal event rather than stalling publish.
func (b *Bus) Publish(event ingest.ProgressEvent) {
	b.subsMu.RLock()
	byHandle := b.subs[event.PrincipalID]
	subs := make([]*subscriber, 0, len(byHandle))
	for _, s := range byHandle {
		subs = append(subs, s)
	}
	b.subsMu.RUnlock()

	for _, s := range subs {
		s.queue.push(event)
	}
}

func (b *Bus) recordSession(fileID, principalID string, event ingest.ProgressEvent, terminal bool) {
	b.sessMu.Lock()
	info, ok := b.sessions[fileID]
	if !ok {
		info = &SessionInfo{FileID: fileID, PrincipalID: principalID, CreatedAt: time.Now()}
		b.sessions[fileID] = info
	}
	info.Status = string(event.Type)
	info.LastEvent = event
	if terminal && info.TerminalAt.IsZero() {
		info.TerminalAt = time.Now()
	}
	b.sessMu.Unlock()
}

// StartSession creates sessionInfo for fileId and emits a Started event.
func (b *Bus) StartSession(fileID string, principal ingest.Principal, metadata map[string]string) {
	event := ingest.ProgressEvent{
		Type: ingest.EventStarted, FileID: fileID, PrincipalID: principal.ID,
		Timestamp: time.Now(), Metadata: metadata,
	}
	b.recordSession(fileID, principal.ID, event, false)
	b.Publish(event)
}

// UpdateProgress emits a Progress event and updates sessionInfo.
func (b *Bus) UpdateProgress(fileID string, principal ingest.Principal, progress float64, received, total int, stage string) {
	event := ingest.ProgressEvent{
		Type: ingest.EventProgress, FileID: fileID, PrincipalID: principal.ID,
		Timestamp: time.Now(), Progress: progress, Received: received, Total: total, Stage: stage,
	}
	b.recordSession(fileID, principal.ID, event, false)
	b.Publish(event)
}

// CompleteSession emits a terminal Completed event.
func (b *Bus) CompleteSession(fileID string, principal ingest.Principal, filePath string, size int64) {
	event := ingest.ProgressEvent{
		Type: ingest.EventCompleted, FileID: fileID, PrincipalID: principal.ID,
		Timestamp: time.Now(), FilePath: filePath, Size: size,
	}
	b.recordSession(fileID, principal.ID, event, true)
	b.Publish(event)
}

// ErrorSession emits a terminal or retryable Error event.
func (b *Bus) ErrorSession(fileID string, principal ingest.Principal, kind, message string, retryable bool, history []ingest.ErrorEntry) {
	event := ingest.ProgressEvent{
		Type: ingest.EventError, FileID: fileID, PrincipalID: principal.ID,
		Timestamp: time.Now(), Kind: kind, Message: message, Retryable: retryable, ErrorHistory: history,
	}
	b.recordSession(fileID, principal.ID, event, !retryable)
	b.Publish(event)
}

// RetrySession emits a non-terminal Retry event, reporting a scheduled
// retry's kind, attempt count, and error history so far.
func (b *Bus) RetrySession(fileID string, principal ingest.Principal, kind, message string, attempt int, history []ingest.ErrorEntry) {
	event := ingest.ProgressEvent{
		Type: ingest.EventRetry, FileID: fileID, PrincipalID: principal.ID,
		Timestamp: time.Now(), Kind: kind, Message: message, Retryable: true, Attempt: attempt, ErrorHistory: history,
	}
	b.recordSession(fileID, principal.ID, event, false)
	b.Publish(event)
}

// SessionStatus is a read-through accessor for the last-known status of a
// file's ingestion.
func (b *Bus) SessionStatus(fileID string) (SessionInfo, bool) {
	b.sessMu.RLock()
	defer b.sessMu.RUnlock()
	info, ok := b.sessions[fileID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// Sweep evicts session info older than SessionTTL, and terminal session
// info older than TerminalGrace past its terminal timestamp. Intended to be
// called periodically by internal/sweep.
func (b *Bus) Sweep(now time.Time) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	for id, info := range b.sessions {
		if now.Sub(info.CreatedAt) > SessionTTL {
			delete(b.sessions, id)
			continue
		}
		if info.terminal() && now.Sub(info.TerminalAt) > TerminalGrace {
			delete(b.sessions, id)
		}
	}
}

// Package uploadsession owns the chunked upload state machine: init,
// uploadChunk, resume, assemble, cancel, validate. It coordinates
// chunkstore for chunk bytes, progressbus for event fan-out, pipeline for
// post-assembly stage progress, and recovery for retry/backoff on
// retryable failures, following the teacher's per-key mutex registry idiom
// used throughout internal/orchestrator rather than a single global lock.
package uploadsession

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// Status is the lifecycle state of an UploadSession.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReceiving     Status = "receiving"
	StatusAssembling    Status = "assembling"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Session is one file's upload state. All mutation goes through Manager's
// methods, under the session's own mutex, never via direct field access
// from outside the package.
type Session struct {
	FileID   string
	OwnerID  string
	Metadata ingest.Metadata

	ChunkSize   int64
	TotalChunks int
	TempDir     string

	mu             sync.Mutex
	receivedChunks map[int]bool
	chunkHashes    map[int]string
	status         Status
	startTime      time.Time
	lastActivity   time.Time
	pendingOutPath string

	assembling atomic.Bool // CAS guard: exactly one assemble() in flight at a time
}

func newSession(fileID, ownerID string, meta ingest.Metadata, chunkSize int64, now time.Time) *Session {
	totalChunks := int((meta.Size + chunkSize - 1) / chunkSize)
	if meta.Size == 0 {
		totalChunks = 0
	}
	return &Session{
		FileID: fileID, OwnerID: ownerID, Metadata: meta,
		ChunkSize: chunkSize, TotalChunks: totalChunks,
		receivedChunks: make(map[int]bool),
		chunkHashes:    make(map[int]string),
		status:         StatusInitializing,
		startTime:      now,
		lastActivity:   now,
	}
}

// Snapshot is an immutable, lock-free copy of a Session for status reporting.
type Snapshot struct {
	FileID         string
	OwnerID        string
	Metadata       ingest.Metadata
	ChunkSize      int64
	TotalChunks    int
	ReceivedCount  int
	ReceivedChunks []int
	Status         Status
	StartTime      time.Time
	LastActivity   time.Time
	Progress       float64
	TempDir        string
}

func (s *Session) snapshotLocked() Snapshot {
	received := make([]int, 0, len(s.receivedChunks))
	for idx := range s.receivedChunks {
		received = append(received, idx)
	}
	progress := 0.0
	if s.TotalChunks > 0 {
		progress = float64(len(s.receivedChunks)) / float64(s.TotalChunks)
	}
	return Snapshot{
		FileID: s.FileID, OwnerID: s.OwnerID, Metadata: s.Metadata,
		ChunkSize: s.ChunkSize, TotalChunks: s.TotalChunks, ReceivedCount: len(s.receivedChunks), ReceivedChunks: received,
		Status: s.status, StartTime: s.startTime, LastActivity: s.lastActivity, Progress: progress,
		TempDir: s.TempDir,
	}
}

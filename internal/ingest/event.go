package ingest

import "time"

// EventType identifies which variant of ProgressEvent a given instance is.
type EventType string

const (
	EventStarted   EventType = "upload_started"
	EventProgress  EventType = "upload_progress"
	EventCompleted EventType = "upload_completed"
	EventError     EventType = "upload_error"
	EventRetry     EventType = "retry"
	EventPong      EventType = "pong"
)

// ProgressEvent is the tagged union of events the bus fans out. Only the
// fields relevant to Type are populated; the rest are zero.
type ProgressEvent struct {
	Type        EventType `json:"type"`
	FileID      string    `json:"fileId,omitempty"`
	PrincipalID string    `json:"-"` // never serialized; used for fan-out filtering only
	Timestamp   time.Time `json:"timestamp"`

	// Started
	Metadata map[string]string `json:"metadata,omitempty"`

	// Progress
	Progress  float64 `json:"progress,omitempty"`
	Received  int     `json:"receivedChunks,omitempty"`
	Total     int     `json:"totalChunks,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	StageInfo string  `json:"stageInfo,omitempty"`

	// Completed
	FilePath string `json:"filePath,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// Error / Retry
	Kind         string `json:"kind,omitempty"`
	Message      string `json:"message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	ErrorHistory []ErrorEntry `json:"errorHistory,omitempty"`
}

// ErrorEntry is one entry of a RetryRecord's error history.
type ErrorEntry struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Context string    `json:"context,omitempty"`
}

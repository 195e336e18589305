// Package recovery classifies errors, computes backoff with jitter, and
// schedules or terminates retries. Grounded on the teacher's job-scheduling
// idiom in internal/orchestrator/scheduler.go: retries are represented as
// named, cancellable timers keyed by a registry, the same shape as the
// teacher's scheduler.RunOnce callbacks, scaled down to one timer per file.
package recovery

import (
	"strings"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// Tag is the classification bucket assigned to an error.
type Tag string

const (
	TagNetwork    Tag = "network"
	TagSize       Tag = "size"
	TagFormat     Tag = "format"
	TagPermission Tag = "permission"
	TagStorage    Tag = "storage"
	TagAuth       Tag = "auth"
	TagUnknown    Tag = "unknown"
)

type rule struct {
	tag       Tag
	triggers  []string
	retryable bool
}

// classificationTable is matched top to bottom, case-insensitive substring
// match on the error message. Order matters where triggers could overlap.
var classificationTable = []rule{
	{TagNetwork, []string{"network", "timeout", "connection"}, true},
	{TagSize, []string{"size", "limit"}, true},
	{TagFormat, []string{"format", "type", "unsupported"}, false},
	{TagPermission, []string{"permission", "access"}, false},
	{TagAuth, []string{"authentication", "auth"}, false},
	{TagStorage, []string{"storage", "disk", "io"}, true},
}

// kindTags maps ingest.Kind directly to a Tag; Classify consults it only
// when no substring trigger in classificationTable matches.
var kindTags = map[ingest.Kind]Tag{
	ingest.KindIOError:           TagStorage,
	ingest.KindTimeout:           TagNetwork,
	ingest.KindSizeExceeded:      TagSize,
	ingest.KindSizeMismatch:      TagSize,
	ingest.KindChecksumMismatch:  TagFormat,
	ingest.KindUnauthorized:      TagAuth,
	ingest.KindBadIndex:          TagFormat,
	ingest.KindConflict:          TagFormat,
	ingest.KindCancelled:         TagPermission,
}

// Classify determines the Tag and retryability of err: case-insensitive
// substring matching against the error message runs first, since the
// message is the more specific signal (e.g. a wrapped IOError whose cause
// is actually a permission error); an explicit ingest.Kind is consulted
// only when no trigger matches, falling back further to TagUnknown
// (retryable) for anything unrecognized.
func Classify(err error) (Tag, bool) {
	if err == nil {
		return TagUnknown, false
	}
	message := strings.ToLower(err.Error())
	for _, r := range classificationTable {
		for _, trigger := range r.triggers {
			if strings.Contains(message, trigger) {
				return r.tag, r.retryable
			}
		}
	}
	if kind := ingest.KindOf(err); kind != ingest.KindInternal {
		if tag, ok := kindTags[kind]; ok {
			return tag, retryableFor(tag)
		}
	}
	return TagUnknown, true
}

func retryableFor(tag Tag) bool {
	for _, r := range classificationTable {
		if r.tag == tag {
			return r.retryable
		}
	}
	return true
}

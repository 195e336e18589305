package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

type fakeResumer struct{ calls []string }

func (f *fakeResumer) Resume(ctx context.Context, fileID string) error {
	f.calls = append(f.calls, fileID)
	return nil
}

type fakeStager struct{ calls []string }

func (f *fakeStager) RestartStage(fileID, stage string) error {
	f.calls = append(f.calls, fileID+":"+stage)
	return nil
}

func TestClassifyKnownTags(t *testing.T) {
	cases := []struct {
		msg       string
		wantTag   Tag
		retryable bool
	}{
		{"network unreachable", TagNetwork, true},
		{"request timeout", TagNetwork, true},
		{"file exceeds size limit", TagSize, true},
		{"unsupported format", TagFormat, false},
		{"permission denied", TagPermission, false},
		{"disk io error", TagStorage, true},
		{"authentication failed", TagAuth, false},
		{"something bizarre happened", TagUnknown, true},
	}
	for _, c := range cases {
		tag, retryable := Classify(errors.New(c.msg))
		if tag != c.wantTag || retryable != c.retryable {
			t.Errorf("Classify(%q) = (%s, %v), want (%s, %v)", c.msg, tag, retryable, c.wantTag, c.retryable)
		}
	}
}

func TestBackoffMonotonicUntilCap(t *testing.T) {
	policy := DefaultBackoffPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := policy.delay(attempt, func(int64) int64 { return 0 }) // no jitter
		if d < prev {
			t.Fatalf("attempt %d: delay %v less than previous %v", attempt, d, prev)
		}
		if d > policy.Max {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, d, policy.Max)
		}
		prev = d
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	policy := DefaultBackoffPolicy()
	base := policy.delay(1, func(int64) int64 { return 0 })
	withJitter := policy.delay(1, func(n int64) int64 { return n - 1 })
	if withJitter <= base {
		t.Fatal("expected jitter to add positive delay")
	}
	if withJitter >= base+base/10 {
		t.Fatalf("jitter %v exceeds 10%% bound over base %v", withJitter-base, base)
	}
}

func TestHandleRetriesThenFails(t *testing.T) {
	resumer := &fakeResumer{}
	policy := BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2}
	c := New(policy, resumer, nil, nil, nil)

	act, _, _ := c.Handle("f1", errors.New("network blip"), Context{Chunked: true})
	if act != ActionRetry {
		t.Fatalf("expected retry on attempt 1, got %s", act)
	}
	act, _, _ = c.Handle("f1", errors.New("network blip"), Context{Chunked: true})
	if act != ActionRetry {
		t.Fatalf("expected retry on attempt 2, got %s", act)
	}
	act, _, _ = c.Handle("f1", errors.New("network blip"), Context{Chunked: true})
	if act != ActionFail {
		t.Fatalf("expected fail after exceeding maxAttempts, got %s", act)
	}
}

func TestHandleNonRetryableFailsImmediately(t *testing.T) {
	var failed bool
	c := New(DefaultBackoffPolicy(), nil, nil, func(fileID string, tag Tag, message string, history []ingest.ErrorEntry) {
		failed = true
	}, nil)
	act, _, _ := c.Handle("f2", errors.New("permission denied"), Context{Chunked: true})
	if act != ActionFail {
		t.Fatalf("expected immediate fail for non-retryable error, got %s", act)
	}
	if !failed {
		t.Fatal("expected onFail callback to run")
	}
}

package sweep

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSweeperCallsAllTargets(t *testing.T) {
	var calls int32
	target := func(now time.Time) {
		atomic.AddInt32(&calls, 1)
	}

	sw, err := New(Config{Interval: 10 * time.Millisecond}, nil, target, target)
	if err != nil {
		t.Fatal(err)
	}
	sw.Start()
	defer sw.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 target calls, got %d", atomic.LoadInt32(&calls))
}

func TestDefaultIntervalApplied(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Interval != time.Hour {
		t.Fatalf("expected default interval of 1h, got %v", cfg.Interval)
	}
}

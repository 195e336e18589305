package progressbus

import (
	"context"
	"testing"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

func TestFanOutIsolation(t *testing.T) {
	bus := New(nil)
	principalA := ingest.Principal{ID: "A"}
	principalB := ingest.Principal{ID: "B"}

	_, recvA := bus.Subscribe(principalA)
	_, recvB := bus.Subscribe(principalB)

	bus.StartSession("f3", principalA, nil)
	bus.CompleteSession("f3", principalA, "/out/f3", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e, ok := recvA(ctx)
	if !ok || e.Type != ingest.EventStarted {
		t.Fatalf("expected Started for A, got %+v ok=%v", e, ok)
	}
	e, ok = recvA(ctx)
	if !ok || e.Type != ingest.EventCompleted {
		t.Fatalf("expected Completed for A, got %+v ok=%v", e, ok)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	if _, ok := recvB(shortCtx); ok {
		t.Fatal("subscriber B should never receive events for principal A's session")
	}
}

func TestPublishOrderPerFile(t *testing.T) {
	bus := New(nil)
	principal := ingest.Principal{ID: "A"}
	_, recv := bus.Subscribe(principal)

	bus.StartSession("f1", principal, nil)
	bus.UpdateProgress("f1", principal, 0.33, 1, 3, "upload")
	bus.UpdateProgress("f1", principal, 0.66, 2, 3, "upload")
	bus.CompleteSession("f1", principal, "/out/f1", 30)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	wantOrder := []ingest.EventType{
		ingest.EventStarted, ingest.EventProgress, ingest.EventProgress, ingest.EventCompleted,
	}
	for i, want := range wantOrder {
		e, ok := recv(ctx)
		if !ok {
			t.Fatalf("event %d: channel closed early", i)
		}
		if e.Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, e.Type)
		}
	}
}

func TestSessionStatusReadThrough(t *testing.T) {
	bus := New(nil)
	principal := ingest.Principal{ID: "A"}
	bus.StartSession("f2", principal, map[string]string{"name": "doc.pdf"})

	info, ok := bus.SessionStatus("f2")
	if !ok {
		t.Fatal("expected session info to exist")
	}
	if info.Status != string(ingest.EventStarted) {
		t.Errorf("expected status %q, got %q", ingest.EventStarted, info.Status)
	}
}

func TestSweepEvictsTerminalPastGrace(t *testing.T) {
	bus := New(nil)
	principal := ingest.Principal{ID: "A"}
	bus.StartSession("f4", principal, nil)
	bus.CompleteSession("f4", principal, "/out/f4", 1)

	bus.Sweep(time.Now().Add(TerminalGrace + time.Second))

	if _, ok := bus.SessionStatus("f4"); ok {
		t.Error("expected session to be evicted after terminal grace period")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	principal := ingest.Principal{ID: "A"}
	handle, recv := bus.Subscribe(principal)
	bus.Unsubscribe(principal.ID, handle)

	bus.StartSession("f5", principal, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := recv(ctx); ok {
		t.Error("expected no delivery after unsubscribe")
	}
}

package uploadsession

import (
	"context"
	"os"
	"testing"

	"github.com/abdulmunimjundurahman/ingestd/internal/chunkstore"
	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/pipeline"
	"github.com/abdulmunimjundurahman/ingestd/internal/progressbus"
)

func newTestManager(t *testing.T) (*Manager, ingest.Principal) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := progressbus.New(nil)
	orch := pipeline.NewOrchestrator(bus, nil)
	m := NewManager(store, bus, orch, nil, nil, 4, 1000, nil)
	return m, ingest.Principal{ID: "owner-1"}
}

func TestInitUploadAssembleRoundTrip(t *testing.T) {
	m, principal := newTestManager(t)
	content := []byte("abcdefghij") // 10 bytes, chunkSize 4 -> 3 chunks (4,4,2)
	meta := ingest.Metadata{Name: "doc.txt", Size: int64(len(content)), Type: "text/plain"}

	if _, err := m.Init("f1", principal, meta); err != nil {
		t.Fatal(err)
	}

	chunks := [][]byte{content[0:4], content[4:8], content[8:10]}
	for i, c := range chunks {
		if _, err := m.UploadChunk("f1", i, c, ""); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}

	res, err := m.Assemble(context.Background(), "f1", "assembled/f1.txt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), res.Size)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("assembled content mismatch: got %q want %q", got, content)
	}

	snap, ok := m.Status("f1")
	if !ok || snap.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %+v", snap)
	}
}

func TestUploadChunkIdempotent(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4, Type: "text/plain"}
	m.Init("f2", principal, meta)

	if _, err := m.UploadChunk("f2", 0, []byte("abcd"), ""); err != nil {
		t.Fatal(err)
	}
	res, err := m.UploadChunk("f2", 0, []byte("abcd"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyReceived {
		t.Fatal("expected AlreadyReceived=true on duplicate upload")
	}
}

func TestUploadChunkBadIndexAtTotalChunks(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4, Type: "text/plain"} // chunkSize 4 -> totalChunks 1
	m.Init("f3", principal, meta)

	_, err := m.UploadChunk("f3", 1, []byte("x"), "")
	if ingest.KindOf(err) != ingest.KindBadIndex {
		t.Fatalf("expected BadIndex for chunkIndex==totalChunks, got %v", err)
	}
}

func TestInitRejectsOversizedFile(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4*1000 + 1, Type: "text/plain"} // chunkSize 4, maxChunks 1000
	_, err := m.Init("f4", principal, meta)
	if ingest.KindOf(err) != ingest.KindSizeExceeded {
		t.Fatalf("expected SizeExceeded, got %v", err)
	}
}

func TestZeroByteFileAssemblesImmediately(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 0, Type: "text/plain"}
	m.Init("f5", principal, meta)

	res, err := m.Assemble(context.Background(), "f5", "assembled/f5.txt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != 0 {
		t.Fatalf("expected zero-size assembled file, got %d", res.Size)
	}
}

func TestCancelThenUploadIsNotFound(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4, Type: "text/plain"}
	m.Init("f6", principal, meta)
	if err := m.Cancel("f6"); err != nil {
		t.Fatal(err)
	}
	_, err := m.UploadChunk("f6", 0, []byte("abcd"), "")
	if ingest.KindOf(err) != ingest.KindNotFound {
		t.Fatalf("expected NotFound after cancel, got %v", err)
	}
}

func TestConcurrentAssembleOnlyOneWins(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4, Type: "text/plain"}
	m.Init("f7", principal, meta)
	m.UploadChunk("f7", 0, []byte("abcd"), "")

	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := m.Assemble(context.Background(), "f7", "assembled/f7.txt")
			results <- err
		}()
	}
	close(start)

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		switch ingest.KindOf(err) {
		case ingest.KindConflict:
			conflicts++
		default:
			if err == nil {
				successes++
			}
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one assemble to succeed, got %d successes, %d conflicts", successes, conflicts)
	}
}

func TestAssembleBeforeAllChunksReceived(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 8, Type: "text/plain"} // 2 chunks
	m.Init("f8", principal, meta)
	m.UploadChunk("f8", 0, []byte("abcd"), "")

	_, err := m.Assemble(context.Background(), "f8", "assembled/f8.txt")
	if ingest.KindOf(err) != ingest.KindConflict {
		t.Fatalf("expected Conflict when not all chunks received, got %v", err)
	}
}

func TestResumeInfoReportsMissingChunks(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 10, Type: "text/plain"} // chunks 0,1,2 (4,4,2)
	m.Init("f9", principal, meta)
	m.UploadChunk("f9", 0, []byte("abcd"), "")
	m.UploadChunk("f9", 2, []byte("ij"), "")

	info, err := m.ResumeInfo("f9")
	if err != nil {
		t.Fatal(err)
	}
	if info.Total != 3 {
		t.Fatalf("expected 3 total chunks, got %d", info.Total)
	}
	if len(info.Missing) != 1 || info.Missing[0] != 1 {
		t.Fatalf("expected missing=[1], got %v", info.Missing)
	}
}

func TestChecksumMismatchRejected(t *testing.T) {
	m, principal := newTestManager(t)
	meta := ingest.Metadata{Size: 4, Type: "text/plain"}
	m.Init("f10", principal, meta)

	_, err := m.UploadChunk("f10", 0, []byte("abcd"), "not-a-real-digest")
	if ingest.KindOf(err) != ingest.KindChecksumMismatch {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
}

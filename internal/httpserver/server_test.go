package httpserver

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abdulmunimjundurahman/ingestd/internal/auth"
	"github.com/abdulmunimjundurahman/ingestd/internal/chunkstore"
	"github.com/abdulmunimjundurahman/ingestd/internal/pipeline"
	"github.com/abdulmunimjundurahman/ingestd/internal/progressbus"
	"github.com/abdulmunimjundurahman/ingestd/internal/uploadsession"
)

func newTestServer(t *testing.T) (*Server, *auth.TokenService) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	bus := progressbus.New(nil)
	orch := pipeline.NewOrchestrator(bus, nil)
	mgr := uploadsession.NewManager(store, bus, orch, nil, nil, 4, 100, nil)
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)

	srv := New(mgr, orch, bus, tokens, Config{MaxChunkBytes: 1 << 20})
	return srv, tokens
}

func bearer(t *testing.T, tokens *auth.TokenService, id string) string {
	t.Helper()
	tok, _, err := tokens.Issue(id, "user")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + tok
}

func TestInitRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/init", "application/json", bytes.NewBufferString(`{"fileId":"f1","fileName":"a.txt","fileSize":4}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestUploadLifecycle(t *testing.T) {
	srv, tokens := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token := bearer(t, tokens, "alice")

	initBody := `{"fileId":"f1","fileName":"a.txt","fileSize":4,"fileType":"text/plain"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/init", bytes.NewBufferString(initBody))
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var initResp struct {
		Success     bool `json:"success"`
		TotalChunks int  `json:"totalChunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !initResp.Success {
		t.Fatalf("init failed: status=%d body=%+v", resp.StatusCode, initResp)
	}
	if initResp.TotalChunks != 1 {
		t.Fatalf("expected 1 chunk, got %d", initResp.TotalChunks)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("chunk", "chunk_0")
	part.Write([]byte("data"))
	mw.Close()

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/upload/f1/0", &buf)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var uploadResp struct {
		Success        bool    `json:"success"`
		Progress       float64 `json:"progress"`
		ReceivedChunks int     `json:"receivedChunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !uploadResp.Success || uploadResp.Progress != 1.0 {
		t.Fatalf("upload failed: status=%d body=%+v", resp.StatusCode, uploadResp)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/complete/f1", bytes.NewBufferString(`{"finalPath":"a.txt"}`))
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var completeResp struct {
		Success  bool  `json:"success"`
		Size     int64 `json:"size"`
		FilePath string
	}
	if err := json.NewDecoder(resp.Body).Decode(&completeResp); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !completeResp.Success || completeResp.Size != 4 {
		t.Fatalf("complete failed: status=%d body=%+v", resp.StatusCode, completeResp)
	}
}

func TestStatusHidesOtherPrincipalsSessions(t *testing.T) {
	srv, tokens := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	aliceToken := bearer(t, tokens, "alice")
	bobToken := bearer(t, tokens, "bob")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/init", bytes.NewBufferString(`{"fileId":"f2","fileName":"b.txt","fileSize":4}`))
	req.Header.Set("Authorization", aliceToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/status/f2", nil)
	req.Header.Set("Authorization", bobToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if _, ok := body["session"]; ok {
		t.Fatalf("expected bob to see no session for alice's file, got %+v", body)
	}
}

func TestChunkSizeExceededReturns413(t *testing.T) {
	srv, tokens := newTestServer(t)
	srv.maxChunkBytes = 2
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token := bearer(t, tokens, "alice")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/init", bytes.NewBufferString(`{"fileId":"f3","fileName":"c.txt","fileSize":4}`))
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	resp.Body.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("chunk", "chunk_0")
	part.Write([]byte("toolong"))
	mw.Close()

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/upload/f3/0", &buf)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

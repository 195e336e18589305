package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/abdulmunimjundurahman/ingestd/internal/auth"
	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/uploadsession"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an ingest.Error (or any error) to the documented
// {error, message, recovery?} body and matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := ingest.KindOf(err)
	body := map[string]any{
		"error":   kind.String(),
		"message": err.Error(),
	}
	var ierr *ingest.Error
	if e, ok := err.(*ingest.Error); ok {
		ierr = e
	}
	if ierr != nil && ierr.Recovery != nil {
		body["recovery"] = ierr.Recovery
	}
	writeJSON(w, ingest.StatusFor(kind), body)
}

func principalOf(r *http.Request) (ingest.Principal, bool) {
	return auth.PrincipalFromContext(r.Context())
}

// requireOwner confirms the authenticated principal owns fileId's session,
// returning a NotFound ingest.Error (rather than Unauthorized) so a
// non-owner cannot distinguish "not mine" from "doesn't exist".
func (s *Server) requireOwner(fileID string, principal ingest.Principal) (uploadsession.Snapshot, error) {
	snap, ok := s.sessions.Status(fileID)
	if !ok {
		return uploadsession.Snapshot{}, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	if snap.OwnerID != principal.ID {
		return uploadsession.Snapshot{}, ingest.New(ingest.KindNotFound, "no session for file").WithFileID(fileID)
	}
	return snap, nil
}

type initRequest struct {
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	ToolResource string `json:"toolResource"`
	AgentID      string `json:"agentId"`
}

type initSessionBody struct {
	StartTime string `json:"startTime"`
	TempDir   string `json:"tempDir"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOf(r)
	if !ok {
		writeError(w, ingest.New(ingest.KindUnauthorized, "missing principal"))
		return
	}

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingest.New(ingest.KindBadIndex, "malformed request body"))
		return
	}
	if req.FileID == "" || req.FileName == "" {
		writeError(w, ingest.New(ingest.KindBadIndex, "fileId and fileName are required"))
		return
	}

	meta := ingest.Metadata{
		Name: req.FileName, Size: req.FileSize, Type: req.FileType,
		ToolResource: req.ToolResource, AgentID: req.AgentID,
	}
	snap, err := s.sessions.Init(req.FileID, principal, meta)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"fileId":      snap.FileID,
		"totalChunks": snap.TotalChunks,
		"chunkSize":   snap.ChunkSize,
		"session": initSessionBody{
			StartTime: snap.StartTime.Format(timeLayout),
			TempDir:   snap.TempDir,
		},
	})
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")
	index, err := strconv.Atoi(r.PathValue("chunkIndex"))
	if err != nil {
		writeError(w, ingest.New(ingest.KindBadIndex, "chunkIndex must be an integer").WithFileID(fileID))
		return
	}

	if _, err := s.requireOwner(fileID, principal); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkBytes+(1<<20)) // + headroom for multipart overhead
	if err := r.ParseMultipartForm(s.maxChunkBytes + (1 << 20)); err != nil {
		writeError(w, ingest.New(ingest.KindSizeExceeded, "chunk exceeds maximum size").WithFileID(fileID))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, ingest.New(ingest.KindBadIndex, "missing chunk field").WithFileID(fileID))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxChunkBytes+1))
	if err != nil {
		writeError(w, ingest.Wrap(ingest.KindIOError, "read chunk body", err).WithFileID(fileID))
		return
	}
	if int64(len(data)) > s.maxChunkBytes {
		writeError(w, ingest.New(ingest.KindSizeExceeded, "chunk exceeds maximum size").WithFileID(fileID))
		return
	}

	clientHash := r.FormValue("chunkHash")
	result, err := s.sessions.UploadChunk(fileID, index, data, clientHash)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"success":        true,
		"progress":       result.Progress,
		"receivedChunks": result.Received,
		"totalChunks":    result.Total,
	}
	if result.AlreadyReceived {
		resp["alreadyReceived"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")

	if _, err := s.requireOwner(fileID, principal); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.sessions.ResumeInfo(fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	received := result.Received
	if received == nil {
		received = []int{}
	}
	missing := result.Missing
	if missing == nil {
		missing = []int{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":         fileID,
		"totalChunks":    result.Total,
		"receivedChunks": received,
		"missingChunks":  missing,
		"progress":       result.Progress,
	})
}

type completeRequest struct {
	FinalPath    string `json:"finalPath"`
	ToolResource string `json:"toolResource"`
	AgentID      string `json:"agentId"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")

	if _, err := s.requireOwner(fileID, principal); err != nil {
		writeError(w, err)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FinalPath == "" {
		writeError(w, ingest.New(ingest.KindBadIndex, "finalPath is required").WithFileID(fileID))
		return
	}

	result, err := s.sessions.Assemble(r.Context(), fileID, req.FinalPath)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filePath": result.Path,
		"size":     result.Size,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")

	if _, err := s.requireOwner(fileID, principal); err != nil {
		writeError(w, err)
		return
	}

	if err := s.sessions.Cancel(fileID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Upload cancelled",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")

	snap, sessionErr := s.requireOwner(fileID, principal)
	pipelineSnap, pipelineOK := s.pipeline.Status(fileID)
	if sessionErr != nil && !pipelineOK {
		writeError(w, sessionErr)
		return
	}

	resp := map[string]any{"success": true}
	if sessionErr == nil {
		resp["session"] = snap
	}
	if pipelineOK && pipelineSnap.OwnerID == principal.ID {
		resp["pipeline"] = pipelineSnap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalOf(r)
	fileID := r.PathValue("fileId")

	if _, err := s.requireOwner(fileID, principal); err != nil {
		writeError(w, err)
		return
	}

	valid, err := s.sessions.Validate(fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"valid":   valid,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin is a standalone credential endpoint for deployments with no
// external identity provider: it checks Users and mints a token via Tokens.
// Registered only when both are configured.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, ingest.New(ingest.KindBadIndex, "username and password are required"))
		return
	}

	principal, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, ingest.Wrap(ingest.KindUnauthorized, "invalid credentials", err))
		return
	}

	token, expiresAt, err := s.tokens.Issue(principal.ID, principal.Role)
	if err != nil {
		writeError(w, ingest.Wrap(ingest.KindInternal, "issue token", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.Format(timeLayout),
	})
}

package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the REST error shape {error: code}.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// spawnError maps registry sentinels onto REST error codes.
func spawnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoSuchRunner):
		writeError(w, http.StatusNotFound, "NoSuchRunner")
	case errors.Is(err, ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "NotAuthorized")
	case errors.Is(err, ErrCwdOutsideRoots):
		writeError(w, http.StatusBadRequest, "CwdOutsideRoots")
	case errors.Is(err, ErrNoTerminalSupport):
		writeError(w, http.StatusBadRequest, "NoTerminalSupport")
	case errors.Is(err, ErrSpawnTimeout):
		writeError(w, http.StatusGatewayTimeout, "RunnerUnavailable")
	case errors.Is(err, ErrSpawnRejected):
		writeError(w, http.StatusBadGateway, "SpawnRejected")
	default:
		logger.Error("spawn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal")
	}
}

// handleSpawn serves POST /api/runners/spawn.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	var req struct {
		RunnerID  string `json:"runnerId"`
		Cwd       string `json:"cwd,omitempty"`
		Prompt    string `json:"prompt,omitempty"`
		Model     string `json:"model,omitempty"`
		Ephemeral bool   `json:"ephemeral,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}

	sessionID, err := s.Sessions.CreateSession(r.Context(), principal, SpawnRequest{
		RunnerID:  req.RunnerID,
		Cwd:       req.Cwd,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Ephemeral: req.Ephemeral,
	})
	if err != nil {
		spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// handleCreateTerminal serves POST /api/runners/terminal.
func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	var req struct {
		RunnerID string `json:"runnerId"`
		Cwd      string `json:"cwd,omitempty"`
		Cols     int    `json:"cols,omitempty"`
		Rows     int    `json:"rows,omitempty"`
		Shell    string `json:"shell,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}

	terminalID, err := s.Terminals.CreateTerminal(principal, req.RunnerID, req.Cwd, req.Shell, req.Cols, req.Rows)
	if err != nil {
		spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"terminalId": terminalID,
		"runnerId":   req.RunnerID,
	})
}

// handleListRunners serves GET /api/runners.
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	runners := s.Runners.All()
	views := make([]RunnerView, 0, len(runners))
	for _, c := range runners {
		views = append(views, RunnerView{
			RunnerID:     c.RunnerID,
			Name:         c.Name,
			Platform:     c.Platform,
			Version:      c.Version,
			Roots:        c.Roots,
			Models:       c.Models,
			Terminal:     c.Terminal,
			SessionCount: s.Sessions.CountOnRunner(c.RunnerID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": views})
}

// handleListSessions serves GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Sessions.ListForUser(principal)})
}

// handleEndSession serves DELETE /api/sessions/{id}.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	err := s.Sessions.EndSession(r.PathValue("id"), principal)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// runnerForProxy resolves the {id} path runner for the proxied REST
// endpoints and enforces the same visibility rule as spawning: unscoped
// runners only answer their owner or an admin.
func (s *Server) runnerForProxy(w http.ResponseWriter, r *http.Request) (*ConnectedRunner, bool) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return nil, false
	}
	runner := s.Runners.Get(r.PathValue("id"))
	if runner == nil {
		writeError(w, http.StatusNotFound, "NoSuchRunner")
		return nil, false
	}
	if len(runner.Roots) == 0 && !principal.Admin && principal.UserID != runner.OwnerUserID {
		writeError(w, http.StatusForbidden, "NotAuthorized")
		return nil, false
	}
	return runner, true
}

// proxyCall relays a requestId-correlated RPC to the runner and returns the
// raw reply to the REST caller.
func (s *Server) proxyCall(w http.ResponseWriter, r *http.Request, runnerID string, requestID string, frame any) {
	data, err := s.Runners.Call(r.Context(), runnerID, requestID, frame)
	if err != nil {
		if errors.Is(err, ErrRunnerNotConnected) {
			writeError(w, http.StatusNotFound, "RunnerUnavailable")
		} else {
			writeError(w, http.StatusGatewayTimeout, "RunnerUnavailable")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleRecentFolders serves GET /api/runners/{id}/recent-folders.
func (s *Server) handleRecentFolders(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.runnerForProxy(w, r)
	if !ok {
		return
	}
	reqID := newRequestID()
	s.proxyCall(w, r, runner.RunnerID, reqID, wire.RecentFolders{Type: wire.TypeRecentFolders, RequestID: reqID})
}

// handleListFiles serves POST /api/runners/{id}/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.runnerForProxy(w, r)
	if !ok {
		return
	}
	var req wire.ListFiles
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	req.Type = wire.TypeListFiles
	req.RequestID = newRequestID()
	s.proxyCall(w, r, runner.RunnerID, req.RequestID, req)
}

// handleReadFile serves POST /api/runners/{id}/read-file.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.runnerForProxy(w, r)
	if !ok {
		return
	}
	var req wire.ReadFile
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if req.Encoding == "" {
		req.Encoding = wire.EncodingUTF8
	}
	if req.Encoding != wire.EncodingUTF8 && req.Encoding != wire.EncodingBase64 {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	req.Type = wire.TypeReadFile
	req.RequestID = newRequestID()
	s.proxyCall(w, r, runner.RunnerID, req.RequestID, req)
}

// handleGitStatus serves POST /api/runners/{id}/git-status.
func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.runnerForProxy(w, r)
	if !ok {
		return
	}
	var req wire.GitStatus
	json.NewDecoder(r.Body).Decode(&req)
	req.Type = wire.TypeGitStatus
	req.RequestID = newRequestID()
	s.proxyCall(w, r, runner.RunnerID, req.RequestID, req)
}

// handleGitDiff serves POST /api/runners/{id}/git-diff.
func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.runnerForProxy(w, r)
	if !ok {
		return
	}
	var req wire.GitDiff
	json.NewDecoder(r.Body).Decode(&req)
	req.Type = wire.TypeGitDiff
	req.RequestID = newRequestID()
	s.proxyCall(w, r, runner.RunnerID, req.RequestID, req)
}

// handleHealth serves GET /health: liveness plus the atomic counter
// snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"runners":  len(s.Runners.All()),
		"sessions": len(s.Sessions.ListForUser(&Principal{Admin: true})),
		"counters": s.Counters.Snapshot(),
	})
}

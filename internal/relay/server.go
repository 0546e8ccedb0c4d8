package relay

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pizzapi/pizzapi/internal/config"
	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/transcript"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// Server is the relay hub: the connection gateway plus the registries it
// dispatches to. It implements http.Handler.
type Server struct {
	Config    *config.Config
	Store     *Store
	Runners   *RunnerRegistry
	Sessions  *SessionRegistry
	Terminals *TerminalBroker
	Gate      *ConnGate
	Counters  *Counters

	jwtSecret []byte
	attachDir string
	mux       *http.ServeMux
}

// NewServer wires the hub together and rehydrates persisted sessions.
func NewServer(cfg *config.Config, store *Store) (*Server, error) {
	secret, err := GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	if cfg.Auth.RunnerToken != "" {
		if err := store.EnsureUser(legacyRunnerUser, "", "Legacy runner token", false); err != nil {
			return nil, err
		}
	}

	counters := &Counters{}
	runners := NewRunnerRegistry(cfg.Limits.RunnerQueueSize, counters)
	transcripts := transcript.NewStore(filepath.Join(cfg.Server.DataDir, "sessions"))
	sessions := NewSessionRegistry(runners, transcripts, cfg.Limits.ViewerQueueSize, counters)
	if err := sessions.Rehydrate(); err != nil {
		return nil, err
	}

	s := &Server{
		Config:    cfg,
		Store:     store,
		Runners:   runners,
		Sessions:  sessions,
		Terminals: NewTerminalBroker(runners, counters),
		Gate:      NewConnGate(cfg.Limits.MaxConnsPerUser, cfg.Limits.FramesPerSecond, cfg.Limits.FrameBurst),
		Counters:  counters,
		jwtSecret: secret,
		attachDir: filepath.Join(cfg.Server.DataDir, "attachments"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /ws/runner", s.handleRunnerWS)
	s.mux.HandleFunc("GET /ws/sessions/{sessionId}", s.handleSessionWS)
	s.mux.HandleFunc("GET /ws/terminal/{terminalId}", s.handleTerminalWS)
	s.mux.HandleFunc("GET /ws/hub", s.handleHubWS)

	s.mux.HandleFunc("POST /api/runners/spawn", s.handleSpawn)
	s.mux.HandleFunc("POST /api/runners/terminal", s.handleCreateTerminal)
	s.mux.HandleFunc("GET /api/runners", s.handleListRunners)
	s.mux.HandleFunc("GET /api/runners/{id}/recent-folders", s.handleRecentFolders)
	s.mux.HandleFunc("POST /api/runners/{id}/files", s.handleListFiles)
	s.mux.HandleFunc("POST /api/runners/{id}/read-file", s.handleReadFile)
	s.mux.HandleFunc("POST /api/runners/{id}/git-status", s.handleGitStatus)
	s.mux.HandleFunc("POST /api/runners/{id}/git-diff", s.handleGitDiff)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/attachments", s.handleUploadAttachments)
	s.mux.HandleFunc("GET /api/attachments/{id}", s.handleGetAttachment)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run drives the hub's periodic maintenance until ctx is cancelled: runner
// ping deadlines, post-disconnect session grace, attachment expiry, and
// limiter cleanup.
func (s *Server) Run(ctx context.Context) {
	reap := time.NewTicker(5 * time.Second)
	janitor := time.NewTicker(time.Minute)
	defer reap.Stop()
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-reap.C:
			for _, runnerID := range s.Runners.ReapStale(now) {
				logger.Warn("runner grace elapsed, terminating its sessions", "runner_id", runnerID)
				s.Sessions.TerminateRunnerSessions(runnerID)
			}
		case now := <-janitor.C:
			s.reapAttachments(now)
			s.Gate.EvictStale(10 * time.Minute)
		}
	}
}

// Shutdown flushes session snapshots and closes every peer socket. Runners
// get a restart frame first so they reconnect instead of backing off cold.
func (s *Server) Shutdown() {
	s.Runners.Broadcast(wire.Restart{Type: wire.TypeRestart, Message: "hub restarting"})
	s.Sessions.Shutdown()
	s.Terminals.CloseAll()
	s.Runners.CloseAll()
	logger.Info("hub shut down cleanly")
}

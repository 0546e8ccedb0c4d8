package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// ErrRunnerNotConnected is returned when a frame targets a runner with no
// live control socket.
var ErrRunnerNotConnected = errors.New("runner not connected")

const (
	runnerWriteTimeout = 10 * time.Second
	runnerPingDeadline = 45 * time.Second
	runnerGracePeriod  = 60 * time.Second // sessions survive this long after the control socket drops
	runnerCallTimeout  = 10 * time.Second
)

// ConnectedRunner is one live runner control socket. At most one exists per
// runnerId; a re-registration with the right secret displaces the old one.
type ConnectedRunner struct {
	RunnerID    string
	OwnerUserID string
	Name        string
	Platform    string
	Version     string
	Roots       []string
	Models      []string
	Terminal    bool
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// enqueue adds a frame to the runner's send queue without blocking. A full
// queue means the runner stopped draining; back-pressuring a producer would
// corrupt ordering, so the caller closes the connection instead. send is
// never closed, so a dispatcher racing the connection teardown can at worst
// drop a frame, not panic.
func (c *ConnectedRunner) enqueue(data []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *ConnectedRunner) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *ConnectedRunner) sinceSeen() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *ConnectedRunner) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.done)
	if c.conn != nil {
		c.conn.Close(code, reason)
	}
}

// writePump drains the send queue onto the socket. One pump per connection;
// it exits when the connection closes or a write fails.
func (c *ConnectedRunner) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, runnerWriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// RunnerView is the REST-facing summary of a connected runner.
type RunnerView struct {
	RunnerID     string   `json:"runnerId"`
	Name         string   `json:"name,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Version      string   `json:"version,omitempty"`
	Roots        []string `json:"roots,omitempty"`
	Models       []string `json:"models,omitempty"`
	Terminal     bool     `json:"terminal,omitempty"`
	SessionCount int      `json:"sessionCount"`
}

// RunnerRegistry tracks connected runners and routes control frames to
// them. Request/response RPCs (file listings, git state) correlate by
// requestId through the requests map.
type RunnerRegistry struct {
	mu        sync.RWMutex
	runners   map[string]*ConnectedRunner
	downSince map[string]time.Time

	reqMu    sync.Mutex
	requests map[string]chan json.RawMessage

	queueSize int
	counters  *Counters
}

func NewRunnerRegistry(queueSize int, counters *Counters) *RunnerRegistry {
	return &RunnerRegistry{
		runners:   make(map[string]*ConnectedRunner),
		downSince: make(map[string]time.Time),
		requests:  make(map[string]chan json.RawMessage),
		queueSize: queueSize,
		counters:  counters,
	}
}

// Add installs a runner connection, displacing any previous socket for the
// same runnerId. The displaced socket is closed gracefully and its sessions
// are left alone: the new socket adopts them.
func (r *RunnerRegistry) Add(c *ConnectedRunner) (displaced *ConnectedRunner) {
	r.mu.Lock()
	displaced = r.runners[c.RunnerID]
	r.runners[c.RunnerID] = c
	delete(r.downSince, c.RunnerID)
	r.mu.Unlock()
	if displaced != nil {
		displaced.close(websocket.StatusGoingAway, "superseded by new registration")
	}
	return displaced
}

// Remove drops a runner, but only if conn is still the registered socket:
// a displaced connection's deferred cleanup must not evict its successor.
func (r *RunnerRegistry) Remove(c *ConnectedRunner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runners[c.RunnerID] != c {
		return false
	}
	delete(r.runners, c.RunnerID)
	r.downSince[c.RunnerID] = time.Now()
	return true
}

func (r *RunnerRegistry) Get(runnerID string) *ConnectedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[runnerID]
}

func (r *RunnerRegistry) All() []*ConnectedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConnectedRunner, 0, len(r.runners))
	for _, c := range r.runners {
		out = append(out, c)
	}
	return out
}

// Dispatch marshals a frame onto the runner's send queue. Overflow closes
// the runner connection; runners that stop reading cannot be trusted.
func (r *RunnerRegistry) Dispatch(runnerID string, v any) error {
	c := r.Get(runnerID)
	if c == nil {
		return ErrRunnerNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if !c.enqueue(data) {
		r.counters.RunnerOverflows.Add(1)
		c.close(websocket.StatusPolicyViolation, "send queue overflow")
		return ErrRunnerNotConnected
	}
	return nil
}

// Call dispatches a requestId-correlated frame and waits for the runner's
// reply. The frame must already carry the requestId.
func (r *RunnerRegistry) Call(ctx context.Context, runnerID, requestID string, v any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	r.reqMu.Lock()
	r.requests[requestID] = ch
	r.reqMu.Unlock()
	defer func() {
		r.reqMu.Lock()
		delete(r.requests, requestID)
		r.reqMu.Unlock()
	}()

	if err := r.Dispatch(runnerID, v); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, runnerCallTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("runner %s: %w", runnerID, ctx.Err())
	case data := <-ch:
		return data, nil
	}
}

// resolve routes a *_result frame to its waiting Call.
func (r *RunnerRegistry) resolve(requestID string, data []byte) {
	r.reqMu.Lock()
	ch := r.requests[requestID]
	r.reqMu.Unlock()
	if ch != nil {
		raw := make([]byte, len(data))
		copy(raw, data)
		select {
		case ch <- raw:
		default:
		}
	}
}

// ReapStale closes runner sockets whose ping went quiet, and returns the
// runnerIds whose post-disconnect grace elapsed; the caller terminates
// those runners' sessions.
func (r *RunnerRegistry) ReapStale(now time.Time) (expired []string) {
	r.mu.Lock()
	var stale []*ConnectedRunner
	for _, c := range r.runners {
		if c.sinceSeen() > runnerPingDeadline {
			stale = append(stale, c)
		}
	}
	for id, since := range r.downSince {
		if now.Sub(since) > runnerGracePeriod {
			expired = append(expired, id)
			delete(r.downSince, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		logger.Warn("runner ping deadline exceeded", "runner_id", c.RunnerID)
		c.close(websocket.StatusGoingAway, "ping deadline exceeded")
	}
	return expired
}

// Broadcast sends a frame to every connected runner.
func (r *RunnerRegistry) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, c := range r.All() {
		c.enqueue(data)
	}
}

// CloseAll closes every runner socket for shutdown.
func (r *RunnerRegistry) CloseAll() {
	for _, c := range r.All() {
		c.close(websocket.StatusGoingAway, "hub shutting down")
	}
}

// handleRunnerWS serves /ws/runner: authenticate, accept, require a
// register_runner first frame, verify the secret, then relay control
// frames until the socket drops.
func (s *Server) handleRunnerWS(w http.ResponseWriter, r *http.Request) {
	principal := s.runnerPrincipal(r)
	if principal == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.Gate.Acquire(principal.UserID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.Gate.Release(principal.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("runner websocket accept failed", "error", err, "remote", clientIP(r))
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		return
	}

	var reg wire.RegisterRunner
	if kind, kerr := wire.Kind(data); kerr != nil || kind != wire.TypeRegisterRunner {
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "expected register_runner", Source: "hub"})
		return
	}
	if err := json.Unmarshal(data, &reg); err != nil || reg.RunnerID == "" || reg.RunnerSecret == "" {
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "invalid register_runner frame", Source: "hub"})
		return
	}

	identity, err := s.Store.BindRunner(reg.RunnerID, reg.RunnerSecret, principal.UserID, reg.Name)
	if errors.Is(err, ErrSecretMismatch) {
		logger.Warn("runner secret mismatch", "runner_id", reg.RunnerID, "remote", clientIP(r))
		conn.Close(websocket.StatusPolicyViolation, "runner secret mismatch")
		return
	}
	if err != nil {
		logger.Error("runner bind failed", "runner_id", reg.RunnerID, "error", err)
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "registration failed", Source: "hub"})
		return
	}

	runner := &ConnectedRunner{
		RunnerID:    reg.RunnerID,
		OwnerUserID: identity.OwnerUserID,
		Name:        identity.Name,
		Platform:    reg.Platform,
		Version:     reg.Version,
		Roots:       reg.Roots,
		Models:      reg.Models,
		Terminal:    reg.Terminal,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, s.Config.Limits.RunnerQueueSize),
		done:        make(chan struct{}),
	}
	runner.touch()

	s.Runners.Add(runner)
	defer func() {
		runner.close(websocket.StatusNormalClosure, "connection closed")
		if s.Runners.Remove(runner) {
			s.Sessions.RunnerDisconnected(runner.RunnerID)
		}
	}()
	go runner.writePump(ctx)

	adopted := s.Sessions.SessionIDsOnRunner(runner.RunnerID)
	if err := s.Runners.Dispatch(runner.RunnerID, wire.RunnerRegistered{
		Type:            wire.TypeRunnerRegistered,
		RunnerID:        runner.RunnerID,
		AdoptedSessions: adopted,
	}); err != nil {
		return
	}
	logger.Info("runner connected",
		"runner_id", runner.RunnerID, "owner", runner.OwnerUserID,
		"roots", len(runner.Roots), "adopted", len(adopted))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("runner disconnected", "runner_id", runner.RunnerID, "error", err)
			return
		}
		if !s.Gate.AllowFrame(principal.UserID) {
			continue
		}
		s.runnerFrame(ctx, runner, data)
	}
}

// runnerFrame routes one inbound frame from a runner control socket.
// Malformed frames are answered with cli_error and dropped; the socket
// stays open.
func (s *Server) runnerFrame(ctx context.Context, runner *ConnectedRunner, data []byte) {
	kind, err := wire.Kind(data)
	if err != nil {
		s.Counters.FramesRejected.Add(1)
		s.Runners.Dispatch(runner.RunnerID, wire.CLIError{Type: wire.TypeCLIError, Message: "invalid frame: " + err.Error(), Source: "hub"})
		return
	}

	switch kind {
	case wire.TypePing:
		runner.touch()
		var ping wire.Ping
		json.Unmarshal(data, &ping)
		s.Runners.Dispatch(runner.RunnerID, wire.Pong{Type: wire.TypePong, Ts: ping.Ts})
		s.Store.TouchRunner(runner.RunnerID)

	case wire.TypeSessionReady:
		var msg wire.SessionReady
		if json.Unmarshal(data, &msg) == nil {
			s.Sessions.resolveSpawn(msg.SessionID, nil)
		}

	case wire.TypeSessionError:
		var msg wire.SessionError
		if json.Unmarshal(data, &msg) == nil {
			s.Sessions.resolveSpawn(msg.SessionID, errors.New(msg.Message))
		}

	case wire.TypeSessionKilled:
		var msg wire.SessionKilled
		if json.Unmarshal(data, &msg) == nil {
			logger.Debug("worker killed", "session_id", msg.SessionID, "runner_id", runner.RunnerID)
		}

	case wire.TypeSessionsList, wire.TypeRecentFoldersResult, wire.TypeFilesResult,
		wire.TypeFileContent, wire.TypeGitStatusResult, wire.TypeGitDiffResult:
		var partial struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(data, &partial) == nil && partial.RequestID != "" {
			s.Runners.resolve(partial.RequestID, data)
		}

	case wire.TypeTerminalReady, wire.TypeTerminalData, wire.TypeTerminalExit, wire.TypeTerminalError:
		s.Terminals.RunnerFrame(ctx, kind, data)

	default:
		s.Counters.FramesRejected.Add(1)
		s.Runners.Dispatch(runner.RunnerID, wire.CLIError{
			Type:    wire.TypeCLIError,
			Message: fmt.Sprintf("unknown frame type %q", kind),
			Source:  "hub",
		})
	}
}

// writeFrame sends one frame directly on a socket, for paths that have no
// send queue yet (handshakes, pre-registration errors).
func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func newRequestID() string {
	return uuid.NewString()
}

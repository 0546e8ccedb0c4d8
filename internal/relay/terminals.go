package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// ErrTerminalNotFound hides missing and invisible terminals alike.
var ErrTerminalNotFound = errors.New("terminal not found")

// ErrNoTerminalSupport is returned when the target runner does not host
// terminals.
var ErrNoTerminalSupport = errors.New("runner does not host terminals")

const (
	scrollbackSize   = 64 * 1024
	terminalKillWait = 10 * time.Second
)

// ringBuffer keeps the last size bytes written, for terminal scrollback on
// late attach.
type ringBuffer struct {
	buf  []byte
	off  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) {
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.off = 0
		r.full = true
		return
	}
	n := copy(r.buf[r.off:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
		r.full = true
	}
	r.off = (r.off + len(p)) % len(r.buf)
	if r.off == 0 && n == len(p) {
		r.full = true
	}
}

func (r *ringBuffer) Bytes() []byte {
	if !r.full {
		return append([]byte(nil), r.buf[:r.off]...)
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.off:]...)
	return append(out, r.buf[:r.off]...)
}

// Terminal is one PTY relay: a runner-side process and at most one viewer
// socket. No event log; just the scrollback ring.
type Terminal struct {
	ID        string
	UserID    string
	RunnerID  string
	Cwd       string
	Shell     string
	CreatedAt time.Time

	mu     sync.Mutex
	cols   int
	rows   int
	sized  bool // first resize after connect is authoritative
	ready  bool
	exited bool
	viewer *websocket.Conn
	ring   *ringBuffer
}

func (t *Terminal) geometry() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// attach installs the viewer socket, displacing any previous one.
func (t *Terminal) attach(conn *websocket.Conn) (displaced *websocket.Conn) {
	t.mu.Lock()
	displaced = t.viewer
	t.viewer = conn
	t.mu.Unlock()
	return displaced
}

func (t *Terminal) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.viewer == conn {
		t.viewer = nil
	}
	t.mu.Unlock()
}

// forward writes a frame to the attached viewer, if any. Terminal bytes
// are transient; with no viewer they only land in the ring.
func (t *Terminal) forward(ctx context.Context, data []byte) {
	t.mu.Lock()
	conn := t.viewer
	t.mu.Unlock()
	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, viewerWriteLimit)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}

// TerminalBroker pairs viewer terminal sockets with runner-side PTYs and
// relays frames both ways.
type TerminalBroker struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal

	runners  *RunnerRegistry
	counters *Counters
}

func NewTerminalBroker(runners *RunnerRegistry, counters *Counters) *TerminalBroker {
	return &TerminalBroker{
		terminals: make(map[string]*Terminal),
		runners:   runners,
		counters:  counters,
	}
}

// CreateTerminal stages a terminal and asks the runner to allocate the PTY.
// Roots policy matches session spawns and is enforced before any frame goes
// to the runner.
func (b *TerminalBroker) CreateTerminal(p *Principal, runnerID, cwd, shell string, cols, rows int) (string, error) {
	runner := b.runners.Get(runnerID)
	if runner == nil {
		return "", ErrNoSuchRunner
	}
	if !runner.Terminal {
		return "", ErrNoTerminalSupport
	}
	if len(runner.Roots) == 0 {
		if !p.Admin && p.UserID != runner.OwnerUserID {
			return "", ErrNotAuthorized
		}
	} else if !cwdAllowed(cwd, runner.Roots) {
		return "", ErrCwdOutsideRoots
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	t := &Terminal{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		RunnerID:  runnerID,
		Cwd:       cwd,
		Shell:     shell,
		CreatedAt: time.Now(),
		cols:      cols,
		rows:      rows,
		ring:      newRingBuffer(scrollbackSize),
	}
	b.mu.Lock()
	b.terminals[t.ID] = t
	b.mu.Unlock()

	err := b.runners.Dispatch(runnerID, wire.NewTerminal{
		Type:       wire.TypeNewTerminal,
		TerminalID: t.ID,
		Cwd:        cwd,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		b.remove(t.ID)
		return "", ErrNoSuchRunner
	}

	b.counters.TerminalsOpened.Add(1)
	logger.Info("terminal created", "terminal_id", t.ID, "runner_id", runnerID, "user_id", p.UserID)
	return t.ID, nil
}

// Lookup resolves a terminal visible to the principal.
func (b *TerminalBroker) Lookup(terminalID string, p *Principal) (*Terminal, error) {
	b.mu.RLock()
	t := b.terminals[terminalID]
	b.mu.RUnlock()
	if t == nil || !p.canSee(t.UserID) {
		return nil, ErrTerminalNotFound
	}
	return t, nil
}

func (b *TerminalBroker) get(terminalID string) *Terminal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.terminals[terminalID]
}

func (b *TerminalBroker) remove(terminalID string) {
	b.mu.Lock()
	t := b.terminals[terminalID]
	delete(b.terminals, terminalID)
	b.mu.Unlock()
	if t != nil {
		t.mu.Lock()
		conn := t.viewer
		t.viewer = nil
		t.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "terminal closed")
		}
	}
}

// CloseTerminal asks the runner to kill the PTY; buffers are freed on
// terminal_exit or after a deadline if the runner never answers.
func (b *TerminalBroker) CloseTerminal(terminalID string) {
	t := b.get(terminalID)
	if t == nil {
		return
	}
	b.runners.Dispatch(t.RunnerID, wire.KillTerminal{Type: wire.TypeKillTerminal, TerminalID: terminalID})
	time.AfterFunc(terminalKillWait, func() { b.remove(terminalID) })
}

// RunnerFrame routes a terminal frame arriving on a runner control socket.
func (b *TerminalBroker) RunnerFrame(ctx context.Context, kind string, data []byte) {
	var partial struct {
		TerminalID string `json:"terminalId"`
	}
	if json.Unmarshal(data, &partial) != nil || partial.TerminalID == "" {
		return
	}
	t := b.get(partial.TerminalID)
	if t == nil {
		return
	}

	switch kind {
	case wire.TypeTerminalData:
		var msg wire.TerminalData
		if json.Unmarshal(data, &msg) == nil {
			if raw, err := base64.StdEncoding.DecodeString(msg.Data); err == nil {
				t.mu.Lock()
				t.ring.Write(raw)
				t.mu.Unlock()
			}
		}
		t.forward(ctx, data)

	case wire.TypeTerminalReady:
		t.mu.Lock()
		t.ready = true
		t.mu.Unlock()
		t.forward(ctx, data)

	case wire.TypeTerminalExit:
		t.mu.Lock()
		t.exited = true
		t.mu.Unlock()
		t.forward(ctx, data)
		b.remove(partial.TerminalID)

	case wire.TypeTerminalError:
		t.forward(ctx, data)
	}
}

// CloseAll drops every terminal for shutdown.
func (b *TerminalBroker) CloseAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.terminals))
	for id := range b.terminals {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.remove(id)
	}
}

// handleTerminalWS serves /ws/terminal/{terminalId}: flush scrollback, then
// relay frames between the viewer and the runner's PTY.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("terminalId")
	principal := s.principal(r)
	if principal == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	t, err := s.Terminals.Lookup(terminalID, principal)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !s.Gate.Acquire(principal.UserID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.Gate.Release(principal.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("terminal websocket accept failed", "error", err, "remote", clientIP(r))
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()

	if displaced := t.attach(conn); displaced != nil {
		displaced.Close(websocket.StatusGoingAway, "attached elsewhere")
	}
	defer t.detach(conn)

	cols, rows := t.geometry()
	if err := writeFrame(ctx, conn, wire.TerminalConnected{
		Type:       wire.TypeTerminalConnected,
		TerminalID: terminalID,
		Cols:       cols,
		Rows:       rows,
	}); err != nil {
		return
	}

	// Replay scrollback before live bytes so a reattaching viewer gets its
	// screen back.
	t.mu.Lock()
	scrollback := t.ring.Bytes()
	t.mu.Unlock()
	if len(scrollback) > 0 {
		err := writeFrame(ctx, conn, wire.TerminalData{
			Type:       wire.TypeTerminalData,
			TerminalID: terminalID,
			Data:       base64.StdEncoding.EncodeToString(scrollback),
		})
		if err != nil {
			return
		}
	}

	logger.Debug("terminal viewer attached", "terminal_id", terminalID, "user_id", principal.UserID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !s.Gate.AllowFrame(principal.UserID) {
			continue
		}
		s.terminalFrame(ctx, conn, t, data)
	}
}

func (s *Server) terminalFrame(ctx context.Context, conn *websocket.Conn, t *Terminal, data []byte) {
	kind, err := wire.Kind(data)
	if err != nil {
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.TerminalError{Type: wire.TypeTerminalError, TerminalID: t.ID, Message: "invalid frame: " + err.Error(), Source: "hub"})
		return
	}

	switch kind {
	case wire.TypeTerminalInput:
		var msg wire.TerminalInput
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		msg.TerminalID = t.ID
		s.Runners.Dispatch(t.RunnerID, msg)

	case wire.TypeTerminalResize:
		var msg wire.TerminalResize
		if json.Unmarshal(data, &msg) != nil || msg.Cols <= 0 || msg.Rows <= 0 {
			return
		}
		msg.TerminalID = t.ID
		t.mu.Lock()
		if !t.sized {
			t.sized = true
		}
		t.cols, t.rows = msg.Cols, msg.Rows
		t.mu.Unlock()
		s.Runners.Dispatch(t.RunnerID, msg)

	case wire.TypeKillTerminal:
		s.Terminals.CloseTerminal(t.ID)

	default:
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.TerminalError{
			Type:       wire.TypeTerminalError,
			TerminalID: t.ID,
			Message:    "unknown frame type " + kind,
			Source:     "hub",
		})
	}
}

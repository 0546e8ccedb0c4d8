package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the hub rejects the WebSocket handshake
// with 401. Reconnecting will not help; the caller needs new credentials.
var ErrAuthRejected = errors.New("hub rejected authentication (401)")

const (
	pingInterval      = 15 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Environment variables read by clients of the hub.
const (
	EnvRelayURL    = "PIZZAPI_RELAY_URL"
	EnvAPIKey      = "PIZZAPI_API_KEY"
	EnvRunnerToken = "PIZZAPI_RUNNER_TOKEN" // legacy static token
)

// State is the client connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateCooldown   State = "cooldown"
)

// WriteFunc sends a frame back to the hub over the runner's control socket.
type WriteFunc func(v any) error

// TerminalHandler is called when the hub asks for a new terminal. The write
// function sends frames back through the hub; the input channel receives raw
// terminal_input/terminal_resize/kill_terminal frames for this terminal.
type TerminalHandler func(ctx context.Context, msg NewTerminal, write WriteFunc, input <-chan []byte)

// Client is the runner's outbound control connection to the hub. It
// reconnects with exponential backoff, re-registers on every connect, and
// routes hub frames to the configured handlers. Handlers own the runner's
// local work (spawning workers, allocating terminals, reading files); the
// client owns the wire.
type Client struct {
	HubURL       string // e.g. "wss://hub.example.com/ws/runner"
	APIKey       string
	RunnerToken  string // legacy static token, used when APIKey is empty
	RunnerID     string
	RunnerSecret string
	Name         string
	Platform     string // runtime.GOOS
	Version      string
	Roots        []string
	Models       []string
	Terminal     bool

	OnRegistered    func(ctx context.Context, msg RunnerRegistered)
	OnNewSession    func(ctx context.Context, msg NewSession) error // nil error → session_ready
	OnKillSession   func(ctx context.Context, sessionID string)
	OnListSessions  func(ctx context.Context) []SessionSummary
	OnRecentFolders func(ctx context.Context) []FolderInfo
	OnListFiles     func(ctx context.Context, req ListFiles) ([]DirEntry, error)
	OnReadFile      func(ctx context.Context, req ReadFile) (FileContent, error)
	OnGitStatus     func(ctx context.Context, req GitStatus) (json.RawMessage, error)
	OnGitDiff       func(ctx context.Context, req GitDiff) (string, error)
	OnNewTerminal   TerminalHandler
	OnKillTerminal  func(ctx context.Context, terminalID string) // kill with no live handler
	OnRestart       func(ctx context.Context)
	OnStateChange   func(state State, err error)

	// terminals routes terminal_input/terminal_resize/kill_terminal to the
	// goroutine handling each terminal.
	terminals   map[string]chan []byte
	terminalsMu sync.Mutex

	conn *websocket.Conn
	mu   sync.Mutex
}

// Run connects to the hub and serves control frames until ctx is cancelled.
// Reconnects on disconnect with exponential backoff (1s doubling to a 60s
// ceiling, reset after a successful registration). Returns ErrAuthRejected
// if the hub rejects the credentials with 401.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(time.Second, maxReconnectDelay)
	c.notifyState(StateConnecting, nil)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState(StateIdle, ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState(StateIdle, err)
			return ErrAuthRejected
		}
		if connected {
			bo.Reset()
		}
		delay := bo.Next()
		c.notifyState(StateCooldown, err)
		slog.Warn("hub disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.notifyState(StateIdle, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState(StateConnecting, nil)
	}
}

func (c *Client) notifyState(state State, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

// isAuthError reports whether the error indicates a 401 handshake rejection.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "401")
}

func (c *Client) token() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.RunnerToken
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(map[string][]string),
	}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.token())

	conn, _, dialErr := websocket.Dial(ctx, c.HubURL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(512 * 1024) // match hub limit
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	// Terminals survive hub outages; only initialize the routing map on
	// first connect.
	c.terminalsMu.Lock()
	if c.terminals == nil {
		c.terminals = make(map[string]chan []byte)
	}
	c.terminalsMu.Unlock()

	reg := RegisterRunner{
		Type:         TypeRegisterRunner,
		RunnerID:     c.RunnerID,
		RunnerSecret: c.RunnerSecret,
		Name:         c.Name,
		Platform:     c.Platform,
		Version:      c.Version,
		Roots:        c.Roots,
		Models:       c.Models,
		Terminal:     c.Terminal,
	}
	if err := c.writeJSON(ctx, reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	kind, err := Kind(data)
	if err != nil {
		slog.Debug("bad frame from hub", "error", err)
		return
	}

	switch kind {
	case TypeRunnerRegistered:
		var msg RunnerRegistered
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		slog.Info("registered with hub", "runner_id", msg.RunnerID, "adopted", len(msg.AdoptedSessions))
		c.notifyState(StateConnected, nil)
		if c.OnRegistered != nil {
			go c.OnRegistered(ctx, msg)
		}

	case TypePong:
		// liveness ack, nothing to do

	case TypeRestart:
		slog.Info("hub requested restart")
		if c.OnRestart != nil {
			go c.OnRestart(ctx)
		}

	case TypeNewSession:
		var msg NewSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			if c.OnNewSession == nil {
				c.reply(ctx, SessionError{Type: TypeSessionError, SessionID: msg.SessionID, Message: "runner cannot spawn sessions"})
				return
			}
			if err := c.OnNewSession(ctx, msg); err != nil {
				c.reply(ctx, SessionError{Type: TypeSessionError, SessionID: msg.SessionID, Message: err.Error()})
				return
			}
			c.reply(ctx, SessionReady{Type: TypeSessionReady, SessionID: msg.SessionID})
		}()

	case TypeKillSession:
		var msg KillSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			if c.OnKillSession != nil {
				c.OnKillSession(ctx, msg.SessionID)
			}
			c.reply(ctx, SessionKilled{Type: TypeSessionKilled, SessionID: msg.SessionID})
		}()

	case TypeListSessions:
		var msg ListSessions
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			var sessions []SessionSummary
			if c.OnListSessions != nil {
				sessions = c.OnListSessions(ctx)
			}
			c.reply(ctx, SessionsList{Type: TypeSessionsList, RequestID: msg.RequestID, Sessions: sessions})
		}()

	case TypeRecentFolders:
		var msg RecentFolders
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			res := RecentFoldersResult{Type: TypeRecentFoldersResult, RequestID: msg.RequestID}
			if c.OnRecentFolders != nil {
				res.Folders = c.OnRecentFolders(ctx)
			}
			c.reply(ctx, res)
		}()

	case TypeListFiles:
		var msg ListFiles
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			res := FilesResult{Type: TypeFilesResult, RequestID: msg.RequestID}
			if c.OnListFiles == nil {
				res.Error = "not supported"
			} else if entries, err := c.OnListFiles(ctx, msg); err != nil {
				res.Error = err.Error()
			} else {
				res.Entries = entries
			}
			c.reply(ctx, res)
		}()

	case TypeReadFile:
		var msg ReadFile
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			res := FileContent{Type: TypeFileContent, RequestID: msg.RequestID}
			if c.OnReadFile == nil {
				res.Error = "not supported"
			} else if fc, err := c.OnReadFile(ctx, msg); err != nil {
				res.Error = err.Error()
			} else {
				res = fc
				res.Type = TypeFileContent
				res.RequestID = msg.RequestID
			}
			c.reply(ctx, res)
		}()

	case TypeGitStatus:
		var msg GitStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			res := GitStatusResult{Type: TypeGitStatusResult, RequestID: msg.RequestID}
			if c.OnGitStatus == nil {
				res.Error = "not supported"
			} else if out, err := c.OnGitStatus(ctx, msg); err != nil {
				res.Error = err.Error()
			} else {
				res.Result = out
			}
			c.reply(ctx, res)
		}()

	case TypeGitDiff:
		var msg GitDiff
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		go func() {
			res := GitDiffResult{Type: TypeGitDiffResult, RequestID: msg.RequestID}
			if c.OnGitDiff == nil {
				res.Error = "not supported"
			} else if diff, err := c.OnGitDiff(ctx, msg); err != nil {
				res.Error = err.Error()
			} else {
				res.Diff = diff
			}
			c.reply(ctx, res)
		}()

	case TypeNewTerminal:
		var msg NewTerminal
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.OnNewTerminal == nil {
			c.reply(ctx, TerminalError{Type: TypeTerminalError, TerminalID: msg.TerminalID, Message: "runner does not host terminals"})
			return
		}
		inputCh := make(chan []byte, 64)
		c.terminalsMu.Lock()
		c.terminals[msg.TerminalID] = inputCh
		c.terminalsMu.Unlock()
		go func() {
			defer func() {
				c.terminalsMu.Lock()
				delete(c.terminals, msg.TerminalID)
				c.terminalsMu.Unlock()
			}()
			c.OnNewTerminal(ctx, msg, func(v any) error {
				return c.writeJSON(ctx, v)
			}, inputCh)
		}()

	case TypeTerminalInput, TypeTerminalResize, TypeKillTerminal:
		var partial struct {
			TerminalID string `json:"terminalId"`
		}
		if err := json.Unmarshal(data, &partial); err != nil {
			return
		}
		c.terminalsMu.Lock()
		ch := c.terminals[partial.TerminalID]
		c.terminalsMu.Unlock()
		if ch != nil {
			select {
			case ch <- data:
			default:
			}
		} else if kind == TypeKillTerminal && c.OnKillTerminal != nil {
			go c.OnKillTerminal(ctx, partial.TerminalID)
		}

	case TypeCLIError:
		var msg CLIError
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		slog.Warn("hub error", "message", msg.Message, "source", msg.Source)

	default:
		slog.Debug("unhandled frame type from hub", "type", kind)
	}
}

func (c *Client) reply(ctx context.Context, v any) {
	if err := c.writeJSON(ctx, v); err != nil {
		slog.Debug("reply failed", "error", err)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(ctx, Ping{Type: TypePing, Ts: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// HasTerminal reports whether a goroutine is already handling this terminal.
func (c *Client) HasTerminal(terminalID string) bool {
	c.terminalsMu.Lock()
	defer c.terminalsMu.Unlock()
	_, ok := c.terminals[terminalID]
	return ok
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

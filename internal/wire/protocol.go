package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types for the hub WebSocket protocol.
const (
	// Runner control (runner ↔ hub on /ws/runner)
	TypeRegisterRunner   = "register_runner"   // runner → hub (first frame)
	TypeRunnerRegistered = "runner_registered" // hub → runner (ack)
	TypeNewSession       = "new_session"       // hub → runner (spawn a worker)
	TypeSessionReady     = "session_ready"     // runner → hub
	TypeSessionError     = "session_error"     // runner → hub; also hub → viewer error frame
	TypeKillSession      = "kill_session"      // hub → runner
	TypeSessionKilled    = "session_killed"    // runner → hub
	TypeListSessions     = "list_sessions"     // hub → runner
	TypeSessionsList     = "sessions_list"     // runner → hub; also hub → index viewers
	TypePing             = "ping"              // runner → hub
	TypePong             = "pong"              // hub → runner
	TypeRestart          = "restart"           // hub → runner: restart yourself, reconnect

	// Runner RPC proxies (hub → runner with requestId, runner replies *_result)
	TypeRecentFolders       = "recent_folders"
	TypeRecentFoldersResult = "recent_folders_result"
	TypeListFiles           = "list_files"
	TypeFilesResult         = "files_result"
	TypeReadFile            = "read_file"
	TypeFileContent         = "file_content"
	TypeGitStatus           = "git_status"
	TypeGitStatusResult     = "git_status_result"
	TypeGitDiff             = "git_diff"
	TypeGitDiffResult       = "git_diff_result"

	// Session events (worker → hub → viewers, logged with hub-assigned seq)
	TypeSessionActive       = "session_active" // worker attach + resync snapshot
	TypeAgentEnd            = "agent_end"
	TypeMessageStart        = "message_start"
	TypeMessageUpdate       = "message_update"
	TypeMessageEnd          = "message_end"
	TypeTurnEnd             = "turn_end"
	TypeToolExecutionStart  = "tool_execution_start"
	TypeToolExecutionUpdate = "tool_execution_update"
	TypeToolExecutionEnd    = "tool_execution_end"
	TypeHeartbeat           = "heartbeat"
	TypeCapabilities        = "capabilities"
	TypeModelSelect         = "model_select"
	TypeModelSetResult      = "model_set_result"
	TypeTodoUpdate          = "todo_update"
	TypeCLIError            = "cli_error" // worker event, also the hub's generic error frame
	TypeExecResult          = "exec_result"
	TypeDisconnected        = "disconnected" // hub-origin: producer heartbeat lost

	// Viewer → worker (via hub)
	TypeInput     = "input"
	TypeExec      = "exec"
	TypeResync    = "resync"
	TypeConnected = "connected" // viewer hello (lastSeq); hub header reply

	// Terminal (runner ↔ hub ↔ terminal client)
	TypeNewTerminal       = "new_terminal"       // hub → runner
	TypeTerminalConnected = "terminal_connected" // hub → viewer (attach ack)
	TypeTerminalReady     = "terminal_ready"     // runner → hub → viewer
	TypeTerminalInput     = "terminal_input"     // viewer → hub → runner
	TypeTerminalResize    = "terminal_resize"    // viewer → hub → runner
	TypeTerminalData      = "terminal_data"      // runner → hub → viewer
	TypeTerminalExit      = "terminal_exit"      // runner → hub → viewer
	TypeTerminalError     = "terminal_error"
	TypeKillTerminal      = "kill_terminal" // viewer/REST → hub → runner
)

// Worker and runner exit codes with protocol meaning. A worker exiting with
// ExitCodeWorkerRestart is respawned by its runner against the same session;
// the hub treats the worker's reconnect as a producer reconnection. A runner
// exiting with ExitCodeRunnerRestart is restarted by its supervisor.
const (
	ExitCodeRunnerRestart = 42
	ExitCodeWorkerRestart = 43
)

// Input delivery modes.
const (
	DeliverSteer    = "steer"    // interrupt the current turn
	DeliverFollowUp = "followUp" // queue for after the current turn
)

// File content encodings for read_file.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// Session lifecycle states as reported in session summaries.
const (
	SessionPending    = "pending"
	SessionLive       = "live"
	SessionIdle       = "idle"
	SessionTerminated = "terminated"
)

// ErrMissingType is returned when a frame has no type field.
var ErrMissingType = errors.New("frame missing type field")

// UnknownKindError reports a frame whose type is not part of the protocol.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Kind)
}

// Envelope wraps every frame with a type tag for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Kind extracts the type tag from a raw frame. Unknown fields elsewhere in
// the object are ignored.
func Kind(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

var sessionEventKinds = map[string]bool{
	TypeSessionActive:       true,
	TypeAgentEnd:            true,
	TypeMessageStart:        true,
	TypeMessageUpdate:       true,
	TypeMessageEnd:          true,
	TypeTurnEnd:             true,
	TypeToolExecutionStart:  true,
	TypeToolExecutionUpdate: true,
	TypeToolExecutionEnd:    true,
	TypeHeartbeat:           true,
	TypeCapabilities:        true,
	TypeModelSelect:         true,
	TypeModelSetResult:      true,
	TypeTodoUpdate:          true,
	TypeCLIError:            true,
	TypeExecResult:          true,
	TypeDisconnected:        true,
}

// IsSessionEvent reports whether kind belongs to the logged session event
// set. Only these frames receive sequence numbers.
func IsSessionEvent(kind string) bool {
	return sessionEventKinds[kind]
}

// ModelRef identifies an agent model.
type ModelRef struct {
	Provider    string `json:"provider,omitempty"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// TokenUsage is the worker's running token accounting.
type TokenUsage struct {
	Input        int64 `json:"input"`
	Output       int64 `json:"output"`
	CacheRead    int64 `json:"cacheRead,omitempty"`
	CacheWrite   int64 `json:"cacheWrite,omitempty"`
	ContextUsed  int64 `json:"contextUsed,omitempty"`
	ContextLimit int64 `json:"contextLimit,omitempty"`
}

// TodoItem is one entry in the worker's todo list.
type TodoItem struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"` // "pending", "in_progress", "done"
}

// Message is a folded transcript message as carried in session_active
// snapshots.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// ToolCall is a folded tool execution as carried in session_active snapshots.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"` // "running", "done", "error"
	Result json.RawMessage `json:"result,omitempty"`
}

// AttachmentRef points at an uploaded attachment by ID. Events never carry
// attachment bytes.
type AttachmentRef struct {
	AttachmentID string    `json:"attachmentId"`
	Filename     string    `json:"filename,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// SessionSummary describes one session, both in runner sessions_list replies
// and in the hub's index-socket pushes.
type SessionSummary struct {
	SessionID   string    `json:"sessionId"`
	RunnerID    string    `json:"runnerId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	SessionName string    `json:"sessionName,omitempty"`
	State       string    `json:"state,omitempty"`
	LastSeq     int64     `json:"lastSeq,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
}

// RegisterRunner is the runner's first frame on the control socket.
type RegisterRunner struct {
	Type         string   `json:"type"`
	RunnerID     string   `json:"runnerId"`
	RunnerSecret string   `json:"runnerSecret"`
	Name         string   `json:"name,omitempty"`
	Platform     string   `json:"platform,omitempty"` // runtime.GOOS
	Version      string   `json:"version,omitempty"`
	Roots        []string `json:"roots,omitempty"` // advertised workspace roots; empty = unscoped
	Models       []string `json:"models,omitempty"`
	Terminal     bool     `json:"terminal,omitempty"` // can host raw terminals
}

// RunnerRegistered acknowledges a successful registration.
type RunnerRegistered struct {
	Type            string   `json:"type"`
	RunnerID        string   `json:"runnerId"`
	AdoptedSessions []string `json:"adoptedSessions,omitempty"`
}

// NewSession asks the runner to spawn a worker for a reserved session.
type NewSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Model     string `json:"model,omitempty"`
}

// SessionReady is the runner's acknowledgment that the worker is spawning.
type SessionReady struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionError reports a failed spawn, or is sent by the hub as a
// session-scoped error frame.
type SessionError struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
}

// KillSession asks the runner to stop a session's worker.
type KillSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionKilled confirms the worker is gone.
type SessionKilled struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ListSessions requests the runner's current session list.
type ListSessions struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// SessionsList carries a session list: runner → hub as a list_sessions
// reply, hub → index viewers as a push.
type SessionsList struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Sessions  []SessionSummary `json:"sessions"`
}

// Ping is the runner's liveness probe.
type Ping struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"` // unix millis, echoed in pong
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// Restart tells a runner to exit with ExitCodeRunnerRestart and reconnect.
type Restart struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// RecentFolders requests recently used working directories from a runner.
type RecentFolders struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// FolderInfo is one recently used directory.
type FolderInfo struct {
	Path    string `json:"path"`
	ModTime int64  `json:"modTime,omitempty"` // unix seconds
}

// RecentFoldersResult answers recent_folders.
type RecentFoldersResult struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	Folders   []FolderInfo `json:"folders"`
	Error     string       `json:"error,omitempty"`
}

// ListFiles requests a directory listing from a runner.
type ListFiles struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden,omitempty"`
}

// DirEntry is a single entry in a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// FilesResult answers list_files.
type FilesResult struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Entries   []DirEntry `json:"entries"`
	Error     string     `json:"error,omitempty"`
}

// ReadFile requests file contents from a runner.
type ReadFile struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
	Encoding  string `json:"encoding,omitempty"` // "utf8" (default) or "base64"
	MaxBytes  int64  `json:"maxBytes,omitempty"`
}

// FileContent answers read_file.
type FileContent struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding,omitempty"`
	Size      int64  `json:"size,omitempty"`     // full size on disk
	Truncated bool   `json:"truncated,omitempty"` // maxBytes cut the content
	Error     string `json:"error,omitempty"`
}

// GitStatus requests a git status summary from a runner.
type GitStatus struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Cwd       string `json:"cwd,omitempty"`
}

// GitStatusResult answers git_status. Result is passed through to the REST
// caller verbatim.
type GitStatusResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// GitDiff requests a diff from a runner.
type GitDiff struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Cwd       string `json:"cwd,omitempty"`
	Path      string `json:"path,omitempty"`
	Staged    bool   `json:"staged,omitempty"`
}

// GitDiffResult answers git_diff.
type GitDiffResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Diff      string `json:"diff,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionActive is the worker's full-state announcement. A worker sends it
// as its first frame on the session socket (with runnerId set) and after
// composing state changes; the hub synthesizes one in response to resync.
type SessionActive struct {
	Type            string          `json:"type"`
	Seq             int64           `json:"seq,omitempty"` // hub-assigned
	RunnerID        string          `json:"runnerId,omitempty"`
	SessionName     string          `json:"sessionName,omitempty"`
	Model           *ModelRef       `json:"model,omitempty"`
	ThinkingLevel   string          `json:"thinkingLevel,omitempty"`
	TokenUsage      *TokenUsage     `json:"tokenUsage,omitempty"`
	Todos           []TodoItem      `json:"todos,omitempty"`
	PendingQuestion json.RawMessage `json:"pendingQuestion,omitempty"`
	Messages        []Message       `json:"messages,omitempty"`
	ToolCalls       []ToolCall      `json:"toolCalls,omitempty"`
	Commands        []string        `json:"commands,omitempty"`
	AvailableModels []ModelRef      `json:"availableModels,omitempty"`
	ProviderUsage   json.RawMessage `json:"providerUsage,omitempty"`
}

// AgentEnd marks the agent loop finishing.
type AgentEnd struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

// MessageStart opens a streamed message.
type MessageStart struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq,omitempty"`
	MessageID string `json:"messageId"`
	Role      string `json:"role,omitempty"`
}

// MessageUpdate streams a delta into an open message.
type MessageUpdate struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	MessageID string          `json:"messageId"`
	Text      string          `json:"text,omitempty"`
	Partial   json.RawMessage `json:"partial,omitempty"`
}

// MessageEnd closes a streamed message.
type MessageEnd struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq,omitempty"`
	MessageID string `json:"messageId"`
}

// TurnEnd marks the end of an agent turn.
type TurnEnd struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

// ToolExecutionStart opens a tool call.
type ToolExecutionStart struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolExecutionUpdate streams tool progress.
type ToolExecutionUpdate struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	ToolUseID string          `json:"toolUseId"`
	Output    string          `json:"output,omitempty"`
	Progress  json.RawMessage `json:"progress,omitempty"`
}

// ToolExecutionEnd closes a tool call.
type ToolExecutionEnd struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	ToolUseID string          `json:"toolUseId"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

// Heartbeat is the worker's periodic liveness and state report.
type Heartbeat struct {
	Type            string          `json:"type"`
	Seq             int64           `json:"seq,omitempty"`
	IsActive        bool            `json:"isActive"`
	SessionName     string          `json:"sessionName,omitempty"`
	Model           *ModelRef       `json:"model,omitempty"`
	ThinkingLevel   string          `json:"thinkingLevel,omitempty"`
	TokenUsage      *TokenUsage     `json:"tokenUsage,omitempty"`
	PendingQuestion json.RawMessage `json:"pendingQuestion,omitempty"`
	Todos           []TodoItem      `json:"todoList,omitempty"`
	ProviderUsage   json.RawMessage `json:"providerUsage,omitempty"`
}

// Capabilities announces the worker's supported commands and models.
type Capabilities struct {
	Type     string     `json:"type"`
	Seq      int64      `json:"seq,omitempty"`
	Commands []string   `json:"commands,omitempty"`
	Models   []ModelRef `json:"models,omitempty"`
}

// ModelSelect announces a model selection prompt.
type ModelSelect struct {
	Type   string     `json:"type"`
	Seq    int64      `json:"seq,omitempty"`
	Models []ModelRef `json:"models,omitempty"`
}

// ModelSetResult reports the outcome of a model change.
type ModelSetResult struct {
	Type    string    `json:"type"`
	Seq     int64     `json:"seq,omitempty"`
	Model   *ModelRef `json:"model,omitempty"`
	Ok      bool      `json:"ok"`
	Message string    `json:"message,omitempty"`
}

// TodoUpdate replaces the worker's todo list.
type TodoUpdate struct {
	Type  string     `json:"type"`
	Seq   int64      `json:"seq,omitempty"`
	Todos []TodoItem `json:"todos"`
}

// CLIError is a worker-reported error event, and doubles as the hub's
// generic error frame on any socket.
type CLIError struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ExecResult reports the outcome of an exec command. The set_session_name
// command carries the new name in SessionName.
type ExecResult struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Command     string `json:"command,omitempty"`
	Ok          bool   `json:"ok"`
	Output      string `json:"output,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Disconnected is hub-synthesized when the producer's heartbeats stop.
type Disconnected struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Message string `json:"message,omitempty"`
}

// Input carries viewer text to the worker.
type Input struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	DeliverAs   string          `json:"deliverAs,omitempty"` // "steer" (default) or "followUp"
}

// Exec asks the worker to run a slash-style command.
type Exec struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId,omitempty"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

// Resync asks the channel for a fresh session_active snapshot after a
// detected sequence gap.
type Resync struct {
	Type    string `json:"type"`
	LastSeq int64  `json:"lastSeq,omitempty"`
}

// Connected is the viewer's hello (lastSeq set by the viewer) and the hub's
// header reply (lastSeq, isActive, sessionName set by the hub).
type Connected struct {
	Type        string `json:"type"`
	LastSeq     int64  `json:"lastSeq,omitempty"`
	IsActive    bool   `json:"isActive,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
}

// NewTerminal asks the runner to allocate a terminal.
type NewTerminal struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cwd        string `json:"cwd,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// TerminalConnected acknowledges a terminal client attach.
type TerminalConnected struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// TerminalReady reports the runner-side terminal is running.
type TerminalReady struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// TerminalInput carries keystrokes to the runner. Data is base64-encoded.
type TerminalInput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data"`
}

// TerminalResize reports terminal geometry. The first resize on a terminal
// is authoritative for initial geometry.
type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalData carries raw terminal output. Data is base64-encoded.
type TerminalData struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data"`
}

// TerminalExit reports the terminal process exiting.
type TerminalExit struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error,omitempty"`
}

// TerminalError is a terminal-scoped error frame.
type TerminalError struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
}

// KillTerminal requests terminal termination.
type KillTerminal struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
}

// Decode parses a raw frame into its typed struct. Unknown fields are
// ignored; an unknown type tag returns *UnknownKindError.
func Decode(data []byte) (any, error) {
	kind, err := Kind(data)
	if err != nil {
		return nil, err
	}
	v := newFrame(kind)
	if v == nil {
		return nil, &UnknownKindError{Kind: kind}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", kind, err)
	}
	return v, nil
}

func newFrame(kind string) any {
	switch kind {
	case TypeRegisterRunner:
		return &RegisterRunner{}
	case TypeRunnerRegistered:
		return &RunnerRegistered{}
	case TypeNewSession:
		return &NewSession{}
	case TypeSessionReady:
		return &SessionReady{}
	case TypeSessionError:
		return &SessionError{}
	case TypeKillSession:
		return &KillSession{}
	case TypeSessionKilled:
		return &SessionKilled{}
	case TypeListSessions:
		return &ListSessions{}
	case TypeSessionsList:
		return &SessionsList{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeRestart:
		return &Restart{}
	case TypeRecentFolders:
		return &RecentFolders{}
	case TypeRecentFoldersResult:
		return &RecentFoldersResult{}
	case TypeListFiles:
		return &ListFiles{}
	case TypeFilesResult:
		return &FilesResult{}
	case TypeReadFile:
		return &ReadFile{}
	case TypeFileContent:
		return &FileContent{}
	case TypeGitStatus:
		return &GitStatus{}
	case TypeGitStatusResult:
		return &GitStatusResult{}
	case TypeGitDiff:
		return &GitDiff{}
	case TypeGitDiffResult:
		return &GitDiffResult{}
	case TypeSessionActive:
		return &SessionActive{}
	case TypeAgentEnd:
		return &AgentEnd{}
	case TypeMessageStart:
		return &MessageStart{}
	case TypeMessageUpdate:
		return &MessageUpdate{}
	case TypeMessageEnd:
		return &MessageEnd{}
	case TypeTurnEnd:
		return &TurnEnd{}
	case TypeToolExecutionStart:
		return &ToolExecutionStart{}
	case TypeToolExecutionUpdate:
		return &ToolExecutionUpdate{}
	case TypeToolExecutionEnd:
		return &ToolExecutionEnd{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeCapabilities:
		return &Capabilities{}
	case TypeModelSelect:
		return &ModelSelect{}
	case TypeModelSetResult:
		return &ModelSetResult{}
	case TypeTodoUpdate:
		return &TodoUpdate{}
	case TypeCLIError:
		return &CLIError{}
	case TypeExecResult:
		return &ExecResult{}
	case TypeDisconnected:
		return &Disconnected{}
	case TypeInput:
		return &Input{}
	case TypeExec:
		return &Exec{}
	case TypeResync:
		return &Resync{}
	case TypeConnected:
		return &Connected{}
	case TypeNewTerminal:
		return &NewTerminal{}
	case TypeTerminalConnected:
		return &TerminalConnected{}
	case TypeTerminalReady:
		return &TerminalReady{}
	case TypeTerminalInput:
		return &TerminalInput{}
	case TypeTerminalResize:
		return &TerminalResize{}
	case TypeTerminalData:
		return &TerminalData{}
	case TypeTerminalExit:
		return &TerminalExit{}
	case TypeTerminalError:
		return &TerminalError{}
	case TypeKillTerminal:
		return &KillTerminal{}
	}
	return nil
}

// KnownKind reports whether kind is part of the protocol.
func KnownKind(kind string) bool {
	return newFrame(kind) != nil
}

// Stamp injects the hub-assigned sequence number and timestamp into a raw
// event object and re-marshals it. Stamped bytes are stored in the log and
// sent verbatim to both live and replaying viewers, so the two paths are
// byte-identical.
func Stamp(raw []byte, seq int64, hubTs time.Time) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("stamp event: %w", err)
	}
	obj["seq"] = seq
	obj["hubTs"] = hubTs.UTC().Format(time.RFC3339Nano)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("stamp event: %w", err)
	}
	return out, nil
}

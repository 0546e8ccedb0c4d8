package relay

import (
	"encoding/json"

	"github.com/pizzapi/pizzapi/internal/wire"
)

// sessionState is the channel's folded view of its event log. It is owned
// by the channel goroutine; nothing here locks. Applying events in seq
// order from any starting snapshot yields the same state as folding the
// whole log, which is what makes resync snapshots and boot rehydration
// equivalent to full replay.
type sessionState struct {
	sessionName     string
	isActive        bool
	model           *wire.ModelRef
	thinkingLevel   string
	tokenUsage      *wire.TokenUsage
	providerUsage   json.RawMessage
	todos           []wire.TodoItem
	pendingQuestion json.RawMessage
	commands        []string
	availableModels []wire.ModelRef
	messages        []*messageState
	msgIndex        map[string]*messageState
	tools           []*toolState
	toolIndex       map[string]*toolState
}

type messageState struct {
	id      string
	role    string
	content string
}

type toolState struct {
	id     string
	name   string
	status string
	result json.RawMessage
}

func newSessionState() *sessionState {
	return &sessionState{
		msgIndex:  make(map[string]*messageState),
		toolIndex: make(map[string]*toolState),
	}
}

// apply folds one logged event into the state. raw is the stamped frame.
func (st *sessionState) apply(kind string, raw []byte) {
	switch kind {
	case wire.TypeSessionActive:
		var msg wire.SessionActive
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		st.restore(&msg)
		st.isActive = true

	case wire.TypeHeartbeat:
		var msg wire.Heartbeat
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		st.isActive = msg.IsActive
		if msg.SessionName != "" {
			st.sessionName = msg.SessionName
		}
		if msg.Model != nil {
			st.model = msg.Model
		}
		if msg.ThinkingLevel != "" {
			st.thinkingLevel = msg.ThinkingLevel
		}
		if msg.TokenUsage != nil {
			st.tokenUsage = msg.TokenUsage
		}
		if len(msg.ProviderUsage) > 0 {
			st.providerUsage = msg.ProviderUsage
		}
		if len(msg.PendingQuestion) > 0 {
			st.pendingQuestion = msg.PendingQuestion
		}
		if msg.Todos != nil {
			st.todos = msg.Todos
		}

	case wire.TypeCapabilities:
		var msg wire.Capabilities
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		st.commands = msg.Commands
		st.availableModels = msg.Models

	case wire.TypeMessageStart:
		var msg wire.MessageStart
		if json.Unmarshal(raw, &msg) != nil || msg.MessageID == "" {
			return
		}
		st.message(msg.MessageID).role = msg.Role

	case wire.TypeMessageUpdate:
		var msg wire.MessageUpdate
		if json.Unmarshal(raw, &msg) != nil || msg.MessageID == "" {
			return
		}
		st.message(msg.MessageID).content += msg.Text

	case wire.TypeToolExecutionStart:
		var msg wire.ToolExecutionStart
		if json.Unmarshal(raw, &msg) != nil || msg.ToolUseID == "" {
			return
		}
		t := st.tool(msg.ToolUseID)
		t.name = msg.ToolName
		t.status = "running"

	case wire.TypeToolExecutionEnd:
		var msg wire.ToolExecutionEnd
		if json.Unmarshal(raw, &msg) != nil || msg.ToolUseID == "" {
			return
		}
		t := st.tool(msg.ToolUseID)
		t.result = msg.Result
		if msg.IsError {
			t.status = "error"
		} else {
			t.status = "done"
		}

	case wire.TypeTodoUpdate:
		var msg wire.TodoUpdate
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		st.todos = msg.Todos

	case wire.TypeModelSelect:
		st.pendingQuestion = append([]byte(nil), raw...)

	case wire.TypeModelSetResult:
		var msg wire.ModelSetResult
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if msg.Ok && msg.Model != nil {
			st.model = msg.Model
		}
		st.pendingQuestion = nil

	case wire.TypeExecResult:
		var msg wire.ExecResult
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if msg.Command == "set_session_name" && msg.SessionName != "" {
			st.sessionName = msg.SessionName
		}

	case wire.TypeAgentEnd, wire.TypeDisconnected:
		st.isActive = false
	}
}

func (st *sessionState) message(id string) *messageState {
	if m, ok := st.msgIndex[id]; ok {
		return m
	}
	m := &messageState{id: id}
	st.msgIndex[id] = m
	st.messages = append(st.messages, m)
	return m
}

func (st *sessionState) tool(id string) *toolState {
	if t, ok := st.toolIndex[id]; ok {
		return t
	}
	t := &toolState{id: id}
	st.toolIndex[id] = t
	st.tools = append(st.tools, t)
	return t
}

// sessionActive renders the folded state as a session_active frame, used
// for resync replies and persisted snapshots. lastSeq is the log position
// it reflects.
func (st *sessionState) sessionActive(lastSeq int64) *wire.SessionActive {
	out := &wire.SessionActive{
		Type:            wire.TypeSessionActive,
		Seq:             lastSeq,
		SessionName:     st.sessionName,
		Model:           st.model,
		ThinkingLevel:   st.thinkingLevel,
		TokenUsage:      st.tokenUsage,
		ProviderUsage:   st.providerUsage,
		Todos:           st.todos,
		PendingQuestion: st.pendingQuestion,
		Commands:        st.commands,
		AvailableModels: st.availableModels,
	}
	for _, m := range st.messages {
		out.Messages = append(out.Messages, wire.Message{ID: m.id, Role: m.role, Content: m.content})
	}
	for _, t := range st.tools {
		out.ToolCalls = append(out.ToolCalls, wire.ToolCall{ID: t.id, Name: t.name, Status: t.status, Result: t.result})
	}
	return out
}

// restore rebuilds the fold from a session_active frame: the worker's own
// announcements and persisted snapshots both restore through here.
func (st *sessionState) restore(msg *wire.SessionActive) {
	if msg.SessionName != "" {
		st.sessionName = msg.SessionName
	}
	if msg.Model != nil {
		st.model = msg.Model
	}
	if msg.ThinkingLevel != "" {
		st.thinkingLevel = msg.ThinkingLevel
	}
	if msg.TokenUsage != nil {
		st.tokenUsage = msg.TokenUsage
	}
	if len(msg.ProviderUsage) > 0 {
		st.providerUsage = msg.ProviderUsage
	}
	st.todos = msg.Todos
	st.pendingQuestion = msg.PendingQuestion
	st.commands = msg.Commands
	st.availableModels = msg.AvailableModels

	st.messages = nil
	st.msgIndex = make(map[string]*messageState)
	for _, m := range msg.Messages {
		ms := st.message(m.ID)
		ms.role = m.Role
		ms.content = m.Content
	}
	st.tools = nil
	st.toolIndex = make(map[string]*toolState)
	for _, t := range msg.ToolCalls {
		ts := st.tool(t.ID)
		ts.name = t.Name
		ts.status = t.Status
		ts.result = t.Result
	}
}

package relay

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/pizzapi/pizzapi/internal/wire"
)

// stampedEvents builds a contiguous stamped event log for fold tests.
func stampedEvents(t *testing.T, frames ...any) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(frames))
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, f := range frames {
		raw, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal frame %d: %v", i, err)
		}
		stamped, err := wire.Stamp(raw, int64(i+1), ts)
		if err != nil {
			t.Fatalf("stamp frame %d: %v", i, err)
		}
		out = append(out, stamped)
	}
	return out
}

func foldAll(t *testing.T, events [][]byte) *sessionState {
	t.Helper()
	st := newSessionState()
	for _, raw := range events {
		kind, err := wire.Kind(raw)
		if err != nil {
			t.Fatalf("kind: %v", err)
		}
		st.apply(kind, raw)
	}
	return st
}

func TestSnapshotFoldEquivalence(t *testing.T) {
	events := stampedEvents(t,
		wire.SessionActive{Type: wire.TypeSessionActive, RunnerID: "runner-1", SessionName: "fix the parser"},
		wire.Capabilities{Type: wire.TypeCapabilities, Commands: []string{"compact", "model"}, Models: []wire.ModelRef{{Provider: "x", ID: "y"}}},
		wire.MessageStart{Type: wire.TypeMessageStart, MessageID: "m1", Role: "user"},
		wire.MessageUpdate{Type: wire.TypeMessageUpdate, MessageID: "m1", Text: "please fix it"},
		wire.MessageStart{Type: wire.TypeMessageStart, MessageID: "m2", Role: "assistant"},
		wire.MessageUpdate{Type: wire.TypeMessageUpdate, MessageID: "m2", Text: "looking"},
		wire.ToolExecutionStart{Type: wire.TypeToolExecutionStart, ToolUseID: "t1", ToolName: "read_file"},
		wire.ToolExecutionEnd{Type: wire.TypeToolExecutionEnd, ToolUseID: "t1", Result: json.RawMessage(`{"ok":true}`)},
		wire.MessageUpdate{Type: wire.TypeMessageUpdate, MessageID: "m2", Text: " now"},
		wire.TodoUpdate{Type: wire.TypeTodoUpdate, Todos: []wire.TodoItem{{Text: "run tests", Status: "pending"}}},
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true, TokenUsage: &wire.TokenUsage{Input: 100, Output: 40},
			PendingQuestion: json.RawMessage(`{"question":"apply the patch?"}`),
			Todos:           []wire.TodoItem{{Text: "run tests", Status: "in_progress"}},
		},
	)

	full := foldAll(t, events)

	// Fold a prefix, round-trip it through a rendered snapshot, then apply
	// the suffix. Any snapshot position must land on the same state as
	// replaying the whole log.
	for cut := 0; cut < len(events); cut++ {
		prefix := foldAll(t, events[:cut])
		snap := prefix.sessionActive(int64(cut))

		data, err := json.Marshal(snap)
		if err != nil {
			t.Fatalf("marshal snapshot at %d: %v", cut, err)
		}
		var restored wire.SessionActive
		if err := json.Unmarshal(data, &restored); err != nil {
			t.Fatalf("unmarshal snapshot at %d: %v", cut, err)
		}

		st := newSessionState()
		st.restore(&restored)
		for _, raw := range events[cut:] {
			kind, _ := wire.Kind(raw)
			st.apply(kind, raw)
		}

		got, _ := json.Marshal(st.sessionActive(int64(len(events))))
		want, _ := json.Marshal(full.sessionActive(int64(len(events))))
		if string(got) != string(want) {
			t.Fatalf("fold from snapshot at seq %d diverged:\ngot:  %s\nwant: %s", cut, got, want)
		}
	}
}

func TestSessionNameLastWriterWins(t *testing.T) {
	events := stampedEvents(t,
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true, SessionName: "first name"},
		wire.ExecResult{Type: wire.TypeExecResult, Command: "set_session_name", Ok: true, SessionName: "renamed"},
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true}, // empty name must not clobber
	)
	st := foldAll(t, events)
	if st.sessionName != "renamed" {
		t.Fatalf("sessionName = %q, want %q", st.sessionName, "renamed")
	}
}

func TestFoldTracksToolLifecycle(t *testing.T) {
	events := stampedEvents(t,
		wire.ToolExecutionStart{Type: wire.TypeToolExecutionStart, ToolUseID: "t1", ToolName: "bash"},
		wire.ToolExecutionStart{Type: wire.TypeToolExecutionStart, ToolUseID: "t2", ToolName: "read_file"},
		wire.ToolExecutionEnd{Type: wire.TypeToolExecutionEnd, ToolUseID: "t1", IsError: true, Result: json.RawMessage(`{"err":"exit 1"}`)},
	)
	st := foldAll(t, events)
	snap := st.sessionActive(3)

	want := []wire.ToolCall{
		{ID: "t1", Name: "bash", Status: "error", Result: json.RawMessage(`{"err":"exit 1"}`)},
		{ID: "t2", Name: "read_file", Status: "running"},
	}
	if !reflect.DeepEqual(snap.ToolCalls, want) {
		t.Fatalf("tool calls = %+v, want %+v", snap.ToolCalls, want)
	}
}

func TestHeartbeatCarriesQuestionAndTodos(t *testing.T) {
	events := stampedEvents(t,
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true,
			PendingQuestion: json.RawMessage(`{"question":"continue?"}`),
			Todos:           []wire.TodoItem{{Text: "ship it", Status: "in_progress"}},
		},
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true}, // absent fields must not clobber
	)
	snap := foldAll(t, events).sessionActive(2)
	if string(snap.PendingQuestion) != `{"question":"continue?"}` {
		t.Fatalf("pendingQuestion = %s", snap.PendingQuestion)
	}
	if len(snap.Todos) != 1 || snap.Todos[0].Text != "ship it" {
		t.Fatalf("todos = %+v, want the heartbeat's list", snap.Todos)
	}
}

func TestFoldTracksCapabilities(t *testing.T) {
	events := stampedEvents(t,
		wire.Capabilities{Type: wire.TypeCapabilities, Commands: []string{"compact"}, Models: []wire.ModelRef{{Provider: "x", ID: "y"}}},
	)
	snap := foldAll(t, events).sessionActive(1)
	if len(snap.Commands) != 1 || snap.Commands[0] != "compact" {
		t.Fatalf("commands = %v, want [compact]", snap.Commands)
	}
	if len(snap.AvailableModels) != 1 || snap.AvailableModels[0].ID != "y" {
		t.Fatalf("availableModels = %+v, want model y", snap.AvailableModels)
	}
}

func TestFoldDeactivatesOnDisconnect(t *testing.T) {
	events := stampedEvents(t,
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true},
		wire.Disconnected{Type: wire.TypeDisconnected, Message: "producer heartbeat lost"},
	)
	st := foldAll(t, events)
	if st.isActive {
		t.Fatal("isActive = true after disconnected event")
	}
}

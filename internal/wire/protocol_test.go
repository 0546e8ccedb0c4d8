package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	kind, err := Kind([]byte(`{"type":"heartbeat","isActive":true}`))
	if err != nil {
		t.Fatalf("Kind: %v", err)
	}
	if kind != TypeHeartbeat {
		t.Errorf("kind = %q, want %q", kind, TypeHeartbeat)
	}
}

func TestKindMissingType(t *testing.T) {
	if _, err := Kind([]byte(`{"text":"hi"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("err = %v, want ErrMissingType", err)
	}
}

func TestKindMalformed(t *testing.T) {
	if _, err := Kind([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	v, err := Decode([]byte(`{"type":"input","text":"hello","futureField":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	in, ok := v.(*Input)
	if !ok {
		t.Fatalf("decoded %T, want *Input", v)
	}
	if in.Text != "hello" {
		t.Errorf("text = %q, want %q", in.Text, "hello")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"time_travel"}`))
	var uk *UnknownKindError
	if !errors.As(err, &uk) {
		t.Fatalf("err = %v, want *UnknownKindError", err)
	}
	if uk.Kind != "time_travel" {
		t.Errorf("kind = %q, want %q", uk.Kind, "time_travel")
	}
}

func TestDecodeRoundTripsEveryKind(t *testing.T) {
	kinds := []string{
		TypeRegisterRunner, TypeRunnerRegistered, TypeNewSession,
		TypeSessionReady, TypeSessionError, TypeKillSession,
		TypeSessionKilled, TypeListSessions, TypeSessionsList,
		TypePing, TypePong, TypeRestart,
		TypeRecentFolders, TypeRecentFoldersResult, TypeListFiles,
		TypeFilesResult, TypeReadFile, TypeFileContent,
		TypeGitStatus, TypeGitStatusResult, TypeGitDiff, TypeGitDiffResult,
		TypeSessionActive, TypeAgentEnd, TypeMessageStart,
		TypeMessageUpdate, TypeMessageEnd, TypeTurnEnd,
		TypeToolExecutionStart, TypeToolExecutionUpdate, TypeToolExecutionEnd,
		TypeHeartbeat, TypeCapabilities, TypeModelSelect,
		TypeModelSetResult, TypeTodoUpdate, TypeCLIError,
		TypeExecResult, TypeDisconnected,
		TypeInput, TypeExec, TypeResync, TypeConnected,
		TypeNewTerminal, TypeTerminalConnected, TypeTerminalReady,
		TypeTerminalInput, TypeTerminalResize, TypeTerminalData,
		TypeTerminalExit, TypeTerminalError, TypeKillTerminal,
	}
	for _, kind := range kinds {
		if !KnownKind(kind) {
			t.Errorf("KnownKind(%q) = false", kind)
		}
		raw, err := json.Marshal(map[string]string{"type": kind})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Decode(raw); err != nil {
			t.Errorf("Decode(%q): %v", kind, err)
		}
	}
}

func TestIsSessionEvent(t *testing.T) {
	for _, kind := range []string{TypeMessageStart, TypeHeartbeat, TypeCLIError, TypeSessionActive, TypeDisconnected} {
		if !IsSessionEvent(kind) {
			t.Errorf("IsSessionEvent(%q) = false", kind)
		}
	}
	for _, kind := range []string{TypeInput, TypeResync, TypePing, TypeRegisterRunner, TypeTerminalData} {
		if IsSessionEvent(kind) {
			t.Errorf("IsSessionEvent(%q) = true", kind)
		}
	}
}

func TestStamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out, err := Stamp([]byte(`{"type":"turn_end","custom":"x"}`), 42, ts)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	var got struct {
		Type   string `json:"type"`
		Seq    int64  `json:"seq"`
		HubTs  string `json:"hubTs"`
		Custom string `json:"custom"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal stamped: %v", err)
	}
	if got.Seq != 42 {
		t.Errorf("seq = %d, want 42", got.Seq)
	}
	if got.Type != TypeTurnEnd {
		t.Errorf("type = %q, want %q", got.Type, TypeTurnEnd)
	}
	if got.Custom != "x" {
		t.Errorf("custom field lost: %q", got.Custom)
	}
	if got.HubTs != ts.Format(time.RFC3339Nano) {
		t.Errorf("hubTs = %q, want %q", got.HubTs, ts.Format(time.RFC3339Nano))
	}
}

func TestStampRejectsMalformed(t *testing.T) {
	if _, err := Stamp([]byte(`[1,2,3]`), 1, time.Now()); err == nil {
		t.Error("expected error stamping a non-object")
	}
}

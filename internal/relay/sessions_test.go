package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pizzapi/pizzapi/internal/transcript"
	"github.com/pizzapi/pizzapi/internal/wire"
)

func TestCwdAllowed(t *testing.T) {
	roots := []string{"/srv/work", "/home/dev/projects"}
	cases := []struct {
		cwd  string
		want bool
	}{
		{"", true}, // empty cwd defers to the runner's default
		{"/srv/work", true},
		{"/srv/work/app", true},
		{"/srv/work/../etc", false}, // cleaned before matching
		{"/srv/workother", false},   // prefix match is path-aware
		{"/home/dev/projects/x/y", true},
		{"/etc/passwd", false},
	}
	for _, tc := range cases {
		if got := cwdAllowed(tc.cwd, roots); got != tc.want {
			t.Errorf("cwdAllowed(%q) = %v, want %v", tc.cwd, got, tc.want)
		}
	}
}

func writeTranscript(t *testing.T, store *transcript.Store, sessionID string, header transcript.Header, snapAtSeq int64, frames ...any) {
	t.Helper()
	log, err := store.OpenLog(sessionID)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	st := newSessionState()
	for i, f := range frames {
		raw, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal frame %d: %v", i, err)
		}
		seq := int64(i + 1)
		stamped, err := wire.Stamp(raw, seq, time.Now())
		if err != nil {
			t.Fatalf("stamp frame %d: %v", i, err)
		}
		if err := log.Append(stamped); err != nil {
			t.Fatalf("append frame %d: %v", i, err)
		}
		if seq <= snapAtSeq {
			kind, _ := wire.Kind(stamped)
			st.apply(kind, stamped)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	if snapAtSeq > 0 {
		state, _ := json.Marshal(st.sessionActive(snapAtSeq))
		err := store.WriteSnapshot(&transcript.Snapshot{
			Header:  header,
			Seq:     snapAtSeq,
			State:   state,
			SavedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("write snapshot: %v", err)
		}
	}
}

func TestRehydrateRestoresSession(t *testing.T) {
	store := transcript.NewStore(t.TempDir())
	header := transcript.Header{
		SessionID: "sess-r",
		UserID:    "user-1",
		RunnerID:  "runner-1",
		Cwd:       "/srv/work/app",
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	writeTranscript(t, store, "sess-r", header, 2,
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true, SessionName: "restore me"},
		wire.MessageStart{Type: wire.TypeMessageStart, MessageID: "m1", Role: "assistant"},
		wire.MessageUpdate{Type: wire.TypeMessageUpdate, MessageID: "m1", Text: "tail event past the snapshot"},
	)

	counters := &Counters{}
	reg := NewSessionRegistry(NewRunnerRegistry(8, counters), store, 100, counters)
	if err := reg.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	sess := reg.Get("sess-r")
	if sess == nil {
		t.Fatal("session not rehydrated")
	}
	drainPersist(t, sess.Channel())
	if sess.UserID != "user-1" || sess.RunnerID != "runner-1" {
		t.Fatalf("header = %+v, want owner user-1 on runner-1", sess)
	}

	info := sess.Channel().Info()
	if info.State != wire.SessionIdle {
		t.Fatalf("state = %q, want idle", info.State)
	}
	if info.LastSeq != 3 {
		t.Fatalf("LastSeq = %d, want 3", info.LastSeq)
	}
	if info.SessionName != "restore me" {
		t.Fatalf("sessionName = %q, want %q", info.SessionName, "restore me")
	}
	if info.IsActive {
		t.Fatal("rehydrated session must come back inactive")
	}

	// replay across the restart: a viewer at seq 1 gets the persisted tail
	_, _, out := attachCollector(t, sess.Channel(), 1)
	if got := seqOf(t, recvFrame(t, out)); got != 2 {
		t.Fatalf("first replayed seq = %d, want 2", got)
	}
	if got := seqOf(t, recvFrame(t, out)); got != 3 {
		t.Fatalf("second replayed seq = %d, want 3", got)
	}

	sess.Channel().Terminate("test over")
}

func TestRehydrateQuarantinesCorruptLog(t *testing.T) {
	dir := t.TempDir()
	store := transcript.NewStore(dir)

	// seq jumps from 1 to 3: a gap the hub can never replay across
	log, err := store.OpenLog("sess-bad")
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	for _, seq := range []int64{1, 3} {
		raw, _ := json.Marshal(wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true})
		stamped, _ := wire.Stamp(raw, seq, time.Now())
		log.Append(stamped)
	}
	log.Close()

	counters := &Counters{}
	reg := NewSessionRegistry(NewRunnerRegistry(8, counters), store, 100, counters)
	if err := reg.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if reg.Get("sess-bad") != nil {
		t.Fatal("corrupt session was rehydrated")
	}
	if _, err := os.Stat(filepath.Join(dir, "sess-bad.log.corrupt")); err != nil {
		t.Fatalf("corrupt log not quarantined: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sess-bad.log")); !os.IsNotExist(err) {
		t.Fatal("original corrupt log still present")
	}
}

func TestRunnerDisconnectedIdlesItsSessions(t *testing.T) {
	store := transcript.NewStore(t.TempDir())
	counters := &Counters{}
	reg := NewSessionRegistry(NewRunnerRegistry(8, counters), store, 100, counters)

	header := transcript.Header{SessionID: "sess-c", UserID: "user-1", RunnerID: "runner-1", StartedAt: time.Now().UTC()}
	ch := newChannel(header, newPersister(store, "sess-c"), 100, counters)
	go ch.run()
	drainPersist(t, ch)
	reg.sessions["sess-c"] = &Session{ID: "sess-c", UserID: "user-1", RunnerID: "runner-1", channel: ch}

	if err := ch.AttachProducer("runner-1", func(v any) error { return nil }); err != nil {
		t.Fatalf("attach producer: %v", err)
	}
	_, _, out := attachCollector(t, ch, 0)
	ch.Ingest(mustMarshal(wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true}), nil)
	if got := seqOf(t, recvFrame(t, out)); got != 1 {
		t.Fatalf("heartbeat seq = %d, want 1", got)
	}

	reg.RunnerDisconnected("runner-1")

	// viewers see exactly one synthetic status event with a real seq
	frame := recvFrame(t, out)
	if kind, _ := wire.Kind(frame); kind != wire.TypeDisconnected {
		t.Fatalf("status frame kind = %q, want disconnected", kind)
	}
	if got := seqOf(t, frame); got != 2 {
		t.Fatalf("status frame seq = %d, want 2", got)
	}
	info := ch.Info()
	if info.State != wire.SessionIdle {
		t.Fatalf("state = %q, want idle", info.State)
	}
	if info.IsActive {
		t.Fatal("session still marked active after runner loss")
	}

	// the surviving worker's next heartbeat brings the session back
	ch.Ingest(mustMarshal(wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true}), nil)
	if got := seqOf(t, recvFrame(t, out)); got != 3 {
		t.Fatalf("recovery heartbeat seq = %d, want 3", got)
	}
	if info := ch.Info(); info.State != wire.SessionLive {
		t.Fatalf("state after recovery = %q, want live", info.State)
	}

	// a second disconnect while already idle must not mint another event
	reg.RunnerDisconnected("runner-1")
	recvFrame(t, out) // the disconnected event for the live -> idle edge
	reg.RunnerDisconnected("runner-1")
	if info := ch.Info(); info.LastSeq != 4 {
		t.Fatalf("LastSeq = %d, want 4; idle sessions must not emit again", info.LastSeq)
	}

	ch.Terminate("test over")
}

func TestRehydrateSnapshotWithoutLogKeepsSeq(t *testing.T) {
	store := transcript.NewStore(t.TempDir())
	state, _ := json.Marshal(wire.SessionActive{Type: wire.TypeSessionActive, SessionName: "kept name"})
	err := store.WriteSnapshot(&transcript.Snapshot{
		Header: transcript.Header{
			SessionID: "sess-s",
			UserID:    "user-1",
			RunnerID:  "runner-1",
			StartedAt: time.Now().UTC().Add(-time.Hour),
		},
		Seq:     2,
		State:   state,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	counters := &Counters{}
	reg := NewSessionRegistry(NewRunnerRegistry(8, counters), store, 100, counters)
	if err := reg.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	sess := reg.Get("sess-s")
	if sess == nil {
		t.Fatal("session not rehydrated")
	}

	ch := sess.Channel()
	drainPersist(t, ch)
	info := ch.Info()
	if info.LastSeq != 2 {
		t.Fatalf("LastSeq = %d, want the snapshot's 2", info.LastSeq)
	}
	if info.SessionName != "kept name" {
		t.Fatalf("sessionName = %q, want %q", info.SessionName, "kept name")
	}

	// seq assignment continues past the snapshot, never restarts
	if err := ch.AttachProducer("runner-1", func(v any) error { return nil }); err != nil {
		t.Fatalf("attach producer: %v", err)
	}
	ch.Ingest(mustMarshal(wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true}), nil)
	if got := ch.Info().LastSeq; got != 3 {
		t.Fatalf("LastSeq after ingest = %d, want 3", got)
	}

	ch.Terminate("test over")
}

func TestLookupHidesInvisibleSessions(t *testing.T) {
	store := transcript.NewStore(t.TempDir())
	counters := &Counters{}
	reg := NewSessionRegistry(NewRunnerRegistry(8, counters), store, 100, counters)

	header := transcript.Header{SessionID: "sess-v", UserID: "owner", RunnerID: "runner-1", StartedAt: time.Now().UTC()}
	writeTranscript(t, reg.transcripts, "sess-v", header, 1,
		wire.Heartbeat{Type: wire.TypeHeartbeat, IsActive: true},
	)
	if err := reg.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if _, err := reg.Lookup("sess-v", &Principal{UserID: "owner"}); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := reg.Lookup("sess-v", &Principal{UserID: "stranger"}); err != ErrSessionNotFound {
		t.Fatalf("stranger lookup = %v, want ErrSessionNotFound", err)
	}
	if _, err := reg.Lookup("sess-v", &Principal{UserID: "stranger", Admin: true}); err != nil {
		t.Fatalf("admin lookup: %v", err)
	}
	if _, err := reg.Lookup("no-such-id", &Principal{UserID: "owner"}); err != ErrSessionNotFound {
		t.Fatalf("missing lookup = %v, want ErrSessionNotFound", err)
	}

	if got := reg.SessionIDsOnRunner("runner-1"); len(got) != 1 || got[0] != "sess-v" {
		t.Fatalf("SessionIDsOnRunner = %v, want [sess-v]", got)
	}
	if got := reg.CountOnRunner("runner-2"); got != 0 {
		t.Fatalf("CountOnRunner(runner-2) = %d, want 0", got)
	}

	drainPersist(t, reg.Get("sess-v").Channel())
	reg.Get("sess-v").Channel().Terminate("test over")
}

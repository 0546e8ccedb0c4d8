package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzapi/pizzapi/internal/wire"
)

// fakeRunner builds a ConnectedRunner with no real socket; close skips the
// nil conn, so displacement and overflow paths work against it.
func fakeRunner(runnerID string, queueSize int) *ConnectedRunner {
	c := &ConnectedRunner{
		RunnerID:    runnerID,
		OwnerUserID: "owner-1",
		ConnectedAt: time.Now(),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
	c.lastSeen = time.Now()
	return c
}

func TestRegistryAddDisplacesSameRunner(t *testing.T) {
	r := NewRunnerRegistry(8, &Counters{})

	old := fakeRunner("runner-1", 8)
	if displaced := r.Add(old); displaced != nil {
		t.Fatalf("first Add displaced %v", displaced)
	}

	next := fakeRunner("runner-1", 8)
	if displaced := r.Add(next); displaced != old {
		t.Fatalf("second Add displaced %v, want the first connection", displaced)
	}
	if got := r.Get("runner-1"); got != next {
		t.Fatal("registry did not keep the newest connection")
	}

	// the displaced socket's deferred cleanup must not evict its successor
	if r.Remove(old) {
		t.Fatal("Remove(old) evicted the new connection")
	}
	if got := r.Get("runner-1"); got != next {
		t.Fatal("old connection's Remove displaced the new one")
	}
	if !r.Remove(next) {
		t.Fatal("Remove(next) should succeed")
	}
	if r.Get("runner-1") != nil {
		t.Fatal("runner still registered after Remove")
	}
}

func TestDispatchOverflowClosesRunner(t *testing.T) {
	counters := &Counters{}
	r := NewRunnerRegistry(1, counters)

	c := fakeRunner("runner-1", 1)
	r.Add(c)

	if err := r.Dispatch("runner-1", wire.Ping{Type: wire.TypePing}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	// nobody drains the queue; the next frame overflows
	err := r.Dispatch("runner-1", wire.Ping{Type: wire.TypePing})
	if !errors.Is(err, ErrRunnerNotConnected) {
		t.Fatalf("overflow dispatch = %v, want ErrRunnerNotConnected", err)
	}
	if got := counters.RunnerOverflows.Load(); got != 1 {
		t.Fatalf("RunnerOverflows = %d, want 1", got)
	}
}

func TestEnqueueAfterCloseDropsFrame(t *testing.T) {
	r := NewRunnerRegistry(4, &Counters{})
	c := fakeRunner("runner-1", 4)
	r.Add(c)

	// a dispatcher that resolved the runner before its teardown ran
	got := r.Get("runner-1")

	r.Remove(c)
	c.close(websocket.StatusNormalClosure, "connection closed")

	if got.enqueue([]byte(`{"type":"ping"}`)) {
		t.Fatal("enqueue reported success on a closed connection")
	}
	if err := r.Dispatch("runner-1", wire.Ping{Type: wire.TypePing}); !errors.Is(err, ErrRunnerNotConnected) {
		t.Fatalf("Dispatch after remove = %v, want ErrRunnerNotConnected", err)
	}
}

func TestDispatchUnknownRunner(t *testing.T) {
	r := NewRunnerRegistry(8, &Counters{})
	if err := r.Dispatch("nope", wire.Ping{Type: wire.TypePing}); !errors.Is(err, ErrRunnerNotConnected) {
		t.Fatalf("Dispatch = %v, want ErrRunnerNotConnected", err)
	}
}

func TestCallCorrelatesByRequestID(t *testing.T) {
	r := NewRunnerRegistry(8, &Counters{})
	c := fakeRunner("runner-1", 8)
	r.Add(c)

	// answer the RPC the way a runner control loop would
	go func() {
		data := <-c.send
		var req wire.RecentFolders
		if json.Unmarshal(data, &req) != nil {
			return
		}
		reply, _ := json.Marshal(wire.RecentFoldersResult{
			Type:      wire.TypeRecentFoldersResult,
			RequestID: req.RequestID,
			Folders:   []wire.FolderInfo{{Path: "/srv/work/app"}},
		})
		r.resolve(req.RequestID, reply)
	}()

	reqID := newRequestID()
	data, err := r.Call(context.Background(), "runner-1", reqID,
		wire.RecentFolders{Type: wire.TypeRecentFolders, RequestID: reqID})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var res wire.RecentFoldersResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.RequestID != reqID || len(res.Folders) != 1 {
		t.Fatalf("reply = %+v, want requestId %s with one folder", res, reqID)
	}
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	r := NewRunnerRegistry(8, &Counters{})
	r.Add(fakeRunner("runner-1", 8))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reqID := newRequestID()
	_, err := r.Call(ctx, "runner-1", reqID, wire.GitStatus{Type: wire.TypeGitStatus, RequestID: reqID})
	if err == nil {
		t.Fatal("Call with no reply should time out")
	}

	// the correlation entry must not leak
	r.reqMu.Lock()
	n := len(r.requests)
	r.reqMu.Unlock()
	if n != 0 {
		t.Fatalf("%d correlation entries left behind", n)
	}
}

func TestReapStaleExpiresDownRunners(t *testing.T) {
	r := NewRunnerRegistry(8, &Counters{})

	fresh := fakeRunner("runner-fresh", 8)
	r.Add(fresh)

	gone := fakeRunner("runner-gone", 8)
	r.Add(gone)
	r.Remove(gone)

	// within the grace period: nothing expires
	if expired := r.ReapStale(time.Now()); len(expired) != 0 {
		t.Fatalf("expired = %v before grace elapsed", expired)
	}

	// past it: the runner's sessions are fair game
	expired := r.ReapStale(time.Now().Add(runnerGracePeriod + time.Second))
	if len(expired) != 1 || expired[0] != "runner-gone" {
		t.Fatalf("expired = %v, want [runner-gone]", expired)
	}
	// expiry reports once
	if expired := r.ReapStale(time.Now().Add(2 * runnerGracePeriod)); len(expired) != 0 {
		t.Fatalf("expired = %v, want none on the second pass", expired)
	}
	if r.Get("runner-fresh") == nil {
		t.Fatal("fresh runner was reaped")
	}
}

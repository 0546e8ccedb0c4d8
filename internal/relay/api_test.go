package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pizzapi/pizzapi/internal/config"
	"github.com/pizzapi/pizzapi/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Server.DataDir = dir
	cfg.Server.DBPath = filepath.Join(dir, "hub.db")

	store, err := OpenStore(cfg.Server.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

// userToken creates a user row and mints a bearer token for it.
func userToken(t *testing.T, srv *Server, userID string, admin bool) string {
	t.Helper()
	if err := srv.Store.EnsureUser(userID, userID+"@example.com", userID, admin); err != nil {
		t.Fatalf("create user %s: %v", userID, err)
	}
	token, _, err := IssueSessionJWT(srv.jwtSecret, userID, admin, time.Hour)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return token
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	json.Unmarshal(data, &body)
	return body.Error
}

// respondToSpawns acks every new_session frame dispatched to the fake
// runner, the way a live runner control loop would.
func respondToSpawns(srv *Server, c *ConnectedRunner) {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case data := <-c.send:
				var msg wire.NewSession
				if json.Unmarshal(data, &msg) != nil || msg.SessionID == "" {
					continue
				}
				srv.Sessions.resolveSpawn(msg.SessionID, nil)
			}
		}
	}()
}

func TestAPIRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/api/sessions", "/api/runners"} {
		resp, data := doJSON(t, ts, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, resp.StatusCode)
		}
		if code := errorCode(t, data); code != "AuthRequired" {
			t.Errorf("GET %s error = %q, want AuthRequired", path, code)
		}
	}
}

func TestSpawnUnknownRunner(t *testing.T) {
	srv, ts := newTestServer(t)
	token := userToken(t, srv, "user-1", false)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/spawn", token,
		map[string]string{"runnerId": "no-such-runner"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "NoSuchRunner" {
		t.Fatalf("error = %q, want NoSuchRunner", code)
	}
}

func TestSpawnRejectsCwdOutsideRoots(t *testing.T) {
	srv, ts := newTestServer(t)
	token := userToken(t, srv, "user-1", false)

	runner := fakeRunner("runner-1", 8)
	runner.Roots = []string{"/srv/work"}
	srv.Runners.Add(runner)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/spawn", token,
		map[string]string{"runnerId": "runner-1", "cwd": "/etc"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "CwdOutsideRoots" {
		t.Fatalf("error = %q, want CwdOutsideRoots", code)
	}
	// the refusal happens hub-side; the runner never hears about it
	select {
	case frame := <-runner.send:
		t.Fatalf("frame reached the runner: %s", frame)
	default:
	}
}

func TestSpawnUnscopedRunnerOwnerOnly(t *testing.T) {
	srv, ts := newTestServer(t)
	ownerToken := userToken(t, srv, "owner-1", false)
	strangerToken := userToken(t, srv, "user-2", false)

	runner := fakeRunner("runner-1", 8) // no roots: unscoped
	srv.Runners.Add(runner)
	respondToSpawns(srv, runner)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/spawn", strangerToken,
		map[string]string{"runnerId": "runner-1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger spawn = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "NotAuthorized" {
		t.Fatalf("error = %q, want NotAuthorized", code)
	}

	resp, data = doJSON(t, ts, http.MethodPost, "/api/runners/spawn", ownerToken,
		map[string]string{"runnerId": "runner-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner spawn = %d (%s), want 200", resp.StatusCode, data)
	}
}

func TestSpawnAndSessionVisibility(t *testing.T) {
	srv, ts := newTestServer(t)
	aliceToken := userToken(t, srv, "alice", false)
	bobToken := userToken(t, srv, "bob", false)
	adminToken := userToken(t, srv, "root", true)

	runner := fakeRunner("runner-1", 8)
	runner.Roots = []string{"/srv/work"}
	srv.Runners.Add(runner)
	respondToSpawns(srv, runner)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/spawn", aliceToken,
		map[string]string{"runnerId": "runner-1", "cwd": "/srv/work/app"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("spawn = %d (%s), want 200", resp.StatusCode, data)
	}
	var spawned struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &spawned); err != nil || spawned.SessionID == "" {
		t.Fatalf("spawn reply = %s", data)
	}

	listSessions := func(token string) []wire.SessionSummary {
		resp, data := doJSON(t, ts, http.MethodGet, "/api/sessions", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list = %d, want 200", resp.StatusCode)
		}
		var body struct {
			Sessions []wire.SessionSummary `json:"sessions"`
		}
		json.Unmarshal(data, &body)
		return body.Sessions
	}

	if got := listSessions(aliceToken); len(got) != 1 || got[0].SessionID != spawned.SessionID {
		t.Fatalf("alice sees %+v, want her session", got)
	}
	if got := listSessions(bobToken); len(got) != 0 {
		t.Fatalf("bob sees %+v, want nothing", got)
	}
	if got := listSessions(adminToken); len(got) != 1 {
		t.Fatalf("admin sees %+v, want one session", got)
	}

	// an invisible session ends in NotFound, never Forbidden
	resp, data = doJSON(t, ts, http.MethodDelete, "/api/sessions/"+spawned.SessionID, bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bob delete = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "NotFound" {
		t.Fatalf("bob delete error = %q, want NotFound", code)
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/sessions/"+spawned.SessionID, aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alice delete = %d, want 200", resp.StatusCode)
	}
}

func TestListRunners(t *testing.T) {
	srv, ts := newTestServer(t)
	token := userToken(t, srv, "user-1", false)

	runner := fakeRunner("runner-1", 8)
	runner.Name = "buildbox"
	runner.Roots = []string{"/srv/work"}
	runner.Terminal = true
	srv.Runners.Add(runner)

	resp, data := doJSON(t, ts, http.MethodGet, "/api/runners", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Runners []RunnerView `json:"runners"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runners) != 1 {
		t.Fatalf("runners = %+v, want one", body.Runners)
	}
	got := body.Runners[0]
	if got.RunnerID != "runner-1" || got.Name != "buildbox" || !got.Terminal || got.SessionCount != 0 {
		t.Fatalf("runner view = %+v", got)
	}
}

func TestProxyEndpointsRequireVisibleRunner(t *testing.T) {
	srv, ts := newTestServer(t)
	strangerToken := userToken(t, srv, "user-2", false)

	runner := fakeRunner("runner-1", 8) // unscoped: owner-1 only
	srv.Runners.Add(runner)

	resp, data := doJSON(t, ts, http.MethodGet, "/api/runners/runner-1/recent-folders", strangerToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "NotAuthorized" {
		t.Fatalf("error = %q, want NotAuthorized", code)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/runners/no-such/recent-folders", strangerToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown runner status = %d, want 404", resp.StatusCode)
	}
}

func TestReadFileValidatesEncoding(t *testing.T) {
	srv, ts := newTestServer(t)
	token := userToken(t, srv, "owner-1", false)

	runner := fakeRunner("runner-1", 8)
	srv.Runners.Add(runner)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/runner-1/read-file", token,
		map[string]string{"path": "/srv/work/main.go", "encoding": "ebcdic"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "InvalidRequest" {
		t.Fatalf("error = %q, want InvalidRequest", code)
	}
}

func TestCreateTerminalRequiresSupport(t *testing.T) {
	srv, ts := newTestServer(t)
	token := userToken(t, srv, "owner-1", false)

	runner := fakeRunner("runner-1", 8) // Terminal: false
	srv.Runners.Add(runner)

	resp, data := doJSON(t, ts, http.MethodPost, "/api/runners/terminal", token,
		map[string]string{"runnerId": "runner-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "NoTerminalSupport" {
		t.Fatalf("error = %q, want NoTerminalSupport", code)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, data := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		OK       bool             `json:"ok"`
		Counters map[string]int64 `json:"counters"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK {
		t.Fatal("health ok = false")
	}
	if _, present := body.Counters["eventsIngested"]; !present {
		t.Fatal("health is missing the counter snapshot")
	}
}

package runnerstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func stubAlive(t *testing.T, alive bool) {
	t.Helper()
	orig := isRunnerProcess
	isRunnerProcess = func(pid int) bool { return alive }
	t.Cleanup(func() { isRunnerProcess = orig })
}

func TestAcquireFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.json")

	st, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", st.PID, os.Getpid())
	}
	if st.RunnerID == "" || st.RunnerSecret == "" {
		t.Error("expected minted identity")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 0600", perm)
	}
}

func TestAcquirePreservesIdentityAcrossRestart(t *testing.T) {
	stubAlive(t, false)
	path := filepath.Join(t.TempDir(), "runner.json")

	if err := write(path, &State{
		PID:          999999,
		StartedAt:    time.Now().Add(-time.Hour),
		RunnerID:     "runner-1",
		RunnerSecret: "s3cret",
	}); err != nil {
		t.Fatal(err)
	}

	st, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.RunnerID != "runner-1" {
		t.Errorf("runnerId = %q, want runner-1", st.RunnerID)
	}
	if st.RunnerSecret != "s3cret" {
		t.Errorf("runnerSecret = %q, want s3cret", st.RunnerSecret)
	}
	if st.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", st.PID, os.Getpid())
	}
}

func TestAcquireRefusesLiveLock(t *testing.T) {
	stubAlive(t, true)
	path := filepath.Join(t.TempDir(), "runner.json")

	if err := write(path, &State{PID: 424242, StartedAt: time.Now(), RunnerID: "x", RunnerSecret: "y"}); err != nil {
		t.Fatal(err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Errorf("err = %v, want ErrLocked", err)
	}
}

func TestAcquireClearsGarbageState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.json")
	if err := os.WriteFile(path, []byte("{{{{"), 0600); err != nil {
		t.Fatal(err)
	}

	st, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.RunnerID == "" {
		t.Error("expected fresh identity after garbage state")
	}
}

func TestReleaseKeepsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.json")
	st, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}

	after, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.PID != 0 {
		t.Errorf("pid = %d, want 0 after release", after.PID)
	}
	if after.RunnerID != st.RunnerID || after.RunnerSecret != st.RunnerSecret {
		t.Error("identity changed across release")
	}
}

func TestPathEnvOverride(t *testing.T) {
	t.Setenv(EnvStatePath, "/tmp/custom/runner.json")
	p, err := Path()
	if err != nil {
		t.Fatal(err)
	}
	if p != "/tmp/custom/runner.json" {
		t.Errorf("path = %q", p)
	}
}

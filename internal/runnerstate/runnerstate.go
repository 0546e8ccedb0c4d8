package runnerstate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// EnvStatePath overrides the default ~/.pizzapi/runner.json location.
const EnvStatePath = "PIZZAPI_RUNNER_STATE_PATH"

// ErrLocked is returned when another live runner process holds the state
// file.
var ErrLocked = errors.New("another runner is already running")

// State is the on-disk runner lock. The runnerId and runnerSecret persist
// across restarts so the hub recognizes the runner as the same identity.
type State struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	RunnerID     string    `json:"runnerId"`
	RunnerSecret string    `json:"runnerSecret"`
}

// Path returns the state file location: EnvStatePath if set, otherwise
// ~/.pizzapi/runner.json.
func Path() (string, error) {
	if p := os.Getenv(EnvStatePath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".pizzapi", "runner.json"), nil
}

// Load reads the state file. A missing file returns nil; an unreadable one
// is reported so the caller can decide whether to clear it.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse runner state: %w", err)
	}
	return &st, nil
}

// isRunnerProcess reports whether pid is alive and looks like a runner.
// Stubbed in tests.
var isRunnerProcess = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return errors.Is(err, syscall.EPERM)
	}
	// On Linux, a recycled PID belonging to some other program is not a
	// stale-lock holder. comm truncates names to 15 bytes.
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return true
	}
	self := filepath.Base(os.Args[0])
	if len(self) > 15 {
		self = self[:15]
	}
	return strings.TrimSpace(string(comm)) == self
}

// Acquire takes the runner lock, clearing stale locks (dead PID, or a PID
// recycled by an unrelated process) and preserving the recorded identity.
// A fresh identity is minted when none exists. Returns ErrLocked while
// another live runner holds the file.
func Acquire(path string) (*State, error) {
	prev, err := Load(path)
	if err != nil && !errors.Is(err, os.ErrPermission) {
		// Unparseable state counts as stale; keep the error only when we
		// cannot even touch the file.
		prev = nil
	}

	if prev != nil && prev.PID != os.Getpid() && isRunnerProcess(prev.PID) {
		return nil, fmt.Errorf("%w (pid %d since %s)", ErrLocked, prev.PID, prev.StartedAt.Format(time.RFC3339))
	}

	st := &State{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
	if prev != nil {
		st.RunnerID = prev.RunnerID
		st.RunnerSecret = prev.RunnerSecret
	}
	if st.RunnerID == "" {
		st.RunnerID = uuid.NewString()
	}
	if st.RunnerSecret == "" {
		secret, err := newSecret()
		if err != nil {
			return nil, err
		}
		st.RunnerSecret = secret
	}

	if err := write(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Release removes the state file when this process owns it. The identity
// fields are preserved by rewriting the file with PID zero, so the next
// start reuses them.
func Release(path string) error {
	st, err := Load(path)
	if err != nil || st == nil {
		return err
	}
	if st.PID != os.Getpid() {
		return nil
	}
	st.PID = 0
	return write(path, st)
}

func write(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate runner secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

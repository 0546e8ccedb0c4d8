package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrCorrupt marks a transcript whose log cannot be trusted: unparseable
// lines or a sequence gap. The caller quarantines the session and keeps
// booting.
var ErrCorrupt = errors.New("corrupt transcript")

// Header is the immutable identity of a session, persisted with every
// snapshot so sessions survive hub restarts.
type Header struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	RunnerID  string    `json:"runnerId"`
	Cwd       string    `json:"cwd,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Snapshot is the folded session state at a log position.
type Snapshot struct {
	Header  Header          `json:"header"`
	Seq     int64           `json:"seq"`
	State   json.RawMessage `json:"state,omitempty"`
	SavedAt time.Time       `json:"savedAt"`
}

// Entry is one logged event: the stamped bytes exactly as fanned out to
// viewers.
type Entry struct {
	Seq int64
	Raw []byte
}

// Store persists session transcripts as <id>.log (JSONL, append-only) and
// <id>.snap (JSON) pairs under a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) logPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".log")
}

func (s *Store) snapPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".snap")
}

// Log is an append handle on one session's event log.
type Log struct {
	f *os.File
	w *bufio.Writer
}

// OpenLog opens (creating if needed) the append handle for a session.
func (s *Store) OpenLog(sessionID string) (*Log, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.logPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Log{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one stamped event as a JSONL line. The caller flushes with
// Sync at snapshot boundaries and on shutdown.
func (l *Log) Append(raw []byte) error {
	if _, err := l.w.Write(raw); err != nil {
		return err
	}
	return l.w.WriteByte('\n')
}

// Sync flushes buffered lines to the OS.
func (l *Log) Sync() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *Log) Close() error {
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// ReadLog loads a session's full event log. Sequence numbers must start at
// 1 and be contiguous; anything else returns ErrCorrupt. A missing file is
// an empty log.
func (s *Store) ReadLog(sessionID string) ([]Entry, error) {
	data, err := os.ReadFile(s.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var probe struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, sessionID, i+1, err)
		}
		if want := int64(len(entries)) + 1; probe.Seq != want {
			return nil, fmt.Errorf("%w: %s line %d: seq %d, want %d", ErrCorrupt, sessionID, i+1, probe.Seq, want)
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		entries = append(entries, Entry{Seq: probe.Seq, Raw: raw})
	}
	return entries, nil
}

// WriteSnapshot atomically replaces the session's snapshot file.
func (s *Store) WriteSnapshot(snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	path := s.snapPath(snap.Header.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a session's snapshot, or nil if none was written.
func (s *Store) ReadSnapshot(sessionID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s snapshot: %v", ErrCorrupt, sessionID, err)
	}
	return &snap, nil
}

// Scan returns the session IDs present on disk, sorted. Quarantined files
// are skipped.
func (s *Store) Scan() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".corrupt") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		switch ext := filepath.Ext(name); ext {
		case ".log", ".snap":
			seen[strings.TrimSuffix(name, ext)] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Quarantine renames a session's files out of the scan set so one bad
// transcript cannot block boot.
func (s *Store) Quarantine(sessionID string) error {
	var firstErr error
	for _, path := range []string{s.logPath(sessionID), s.snapPath(sessionID)} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Rename(path, path+".corrupt"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/pizzapi/pizzapi/internal/runnerstate"
	"github.com/pizzapi/pizzapi/internal/wire"
)

const version = "0.3.0"

func main() {
	r := &runner{}

	root := &cobra.Command{
		Use:   "pizzapi-runner",
		Short: "host worker sessions for a PizzaPi hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run()
		},
	}
	root.Flags().StringVar(&r.hubURL, "hub", os.Getenv(wire.EnvRelayURL), "hub websocket URL (ws[s]://host/ws/runner)")
	root.Flags().StringVar(&r.name, "name", hostname(), "runner display name")
	root.Flags().StringSliceVar(&r.roots, "root", nil, "directory this runner may work under (repeatable; empty = unscoped)")
	root.Flags().StringVar(&r.worker, "worker", "pizzapi-worker", "worker command spawned per session")
	root.Flags().StringSliceVar(&r.models, "model", nil, "model identifiers this runner offers")
	root.Flags().BoolVar(&r.terminal, "terminal", true, "allow hub-initiated terminals")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "runner"
	}
	return h
}

type runner struct {
	hubURL   string
	name     string
	roots    []string
	worker   string
	models   []string
	terminal bool

	// live worker processes by session id
	workers   map[string]*exec.Cmd
	workersMu sync.Mutex
}

func (r *runner) run() error {
	if r.hubURL == "" {
		return fmt.Errorf("--hub or %s is required", wire.EnvRelayURL)
	}
	for i, root := range r.roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve root %q: %w", root, err)
		}
		r.roots[i] = abs
	}

	statePath, err := runnerstate.Path()
	if err != nil {
		return err
	}
	st, err := runnerstate.Acquire(statePath)
	if err != nil {
		return err
	}
	defer runnerstate.Release(statePath)

	r.workers = make(map[string]*exec.Cmd)

	client := &wire.Client{
		HubURL:       r.hubURL,
		APIKey:       os.Getenv(wire.EnvAPIKey),
		RunnerToken:  os.Getenv(wire.EnvRunnerToken),
		RunnerID:     st.RunnerID,
		RunnerSecret: st.RunnerSecret,
		Name:         r.name,
		Platform:     runtime.GOOS,
		Version:      version,
		Roots:        r.roots,
		Models:       r.models,
		Terminal:     r.terminal,

		OnNewSession:    r.spawnWorker,
		OnKillSession:   r.killWorker,
		OnRecentFolders: r.recentFolders,
		OnListFiles:     r.listFiles,
		OnReadFile:      r.readFile,
		OnGitStatus:     r.gitStatus,
		OnGitDiff:       r.gitDiff,
		OnNewTerminal:   r.serveTerminal,
		OnRestart: func(ctx context.Context) {
			os.Exit(wire.ExitCodeRunnerRestart)
		},
	}
	if !r.terminal {
		client.OnNewTerminal = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("runner starting", "runner_id", st.RunnerID, "hub", r.hubURL, "roots", r.roots)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// inRoots reports whether path falls under one of the runner's roots. An
// unscoped runner accepts any path.
func (r *runner) inRoots(path string) bool {
	if len(r.roots) == 0 {
		return true
	}
	clean := filepath.Clean(path)
	for _, root := range r.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (r *runner) spawnWorker(ctx context.Context, msg wire.NewSession) error {
	cwd := msg.Cwd
	if cwd == "" {
		if len(r.roots) > 0 {
			cwd = r.roots[0]
		} else {
			cwd, _ = os.UserHomeDir()
		}
	}
	if !r.inRoots(cwd) {
		return fmt.Errorf("cwd %s outside runner roots", cwd)
	}

	cmd := exec.Command(r.worker)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"PIZZAPI_SESSION_ID="+msg.SessionID,
		wire.EnvRelayURL+"="+sessionURL(r.hubURL, msg.SessionID),
		"PIZZAPI_PROMPT="+msg.Prompt,
		"PIZZAPI_MODEL="+msg.Model,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	r.workersMu.Lock()
	r.workers[msg.SessionID] = cmd
	r.workersMu.Unlock()

	go func() {
		for {
			err := cmd.Wait()
			code := cmd.ProcessState.ExitCode()
			if code != wire.ExitCodeWorkerRestart {
				slog.Info("worker exited", "session_id", msg.SessionID, "code", code, "error", err)
				break
			}
			// The worker asked to be respawned against the same session; the
			// hub treats its reconnect as a producer reconnection.
			slog.Info("respawning worker", "session_id", msg.SessionID)
			next := exec.Command(r.worker)
			next.Dir = cmd.Dir
			next.Env = cmd.Env
			next.Stdout = os.Stderr
			next.Stderr = os.Stderr
			if err := next.Start(); err != nil {
				slog.Error("respawn worker", "session_id", msg.SessionID, "error", err)
				break
			}
			r.workersMu.Lock()
			r.workers[msg.SessionID] = next
			r.workersMu.Unlock()
			cmd = next
		}
		r.workersMu.Lock()
		delete(r.workers, msg.SessionID)
		r.workersMu.Unlock()
	}()
	return nil
}

func (r *runner) killWorker(ctx context.Context, sessionID string) {
	r.workersMu.Lock()
	cmd := r.workers[sessionID]
	r.workersMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

func (r *runner) recentFolders(ctx context.Context) []wire.FolderInfo {
	var folders []wire.FolderInfo
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			folders = append(folders, wire.FolderInfo{
				Path:    filepath.Join(root, e.Name()),
				ModTime: info.ModTime().Unix(),
			})
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].ModTime > folders[j].ModTime })
	if len(folders) > 20 {
		folders = folders[:20]
	}
	return folders
}

func (r *runner) listFiles(ctx context.Context, req wire.ListFiles) ([]wire.DirEntry, error) {
	if !r.inRoots(req.Path) {
		return nil, fmt.Errorf("path outside runner roots")
	}
	entries, err := os.ReadDir(req.Path)
	if err != nil {
		return nil, err
	}
	out := make([]wire.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := wire.DirEntry{
			Name:  e.Name(),
			Path:  filepath.Join(req.Path, e.Name()),
			IsDir: e.IsDir(),
		}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			de.Size = info.Size()
		}
		out = append(out, de)
	}
	return out, nil
}

const defaultReadFileMax = 1 << 20

func (r *runner) readFile(ctx context.Context, req wire.ReadFile) (wire.FileContent, error) {
	if !r.inRoots(req.Path) {
		return wire.FileContent{}, fmt.Errorf("path outside runner roots")
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return wire.FileContent{}, err
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultReadFileMax
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return wire.FileContent{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return wire.FileContent{}, err
	}

	fc := wire.FileContent{
		Encoding:  req.Encoding,
		Size:      info.Size(),
		Truncated: info.Size() > int64(len(data)),
	}
	switch req.Encoding {
	case "", wire.EncodingUTF8:
		if !utf8.Valid(data) {
			return wire.FileContent{}, fmt.Errorf("file is not valid utf-8; request base64")
		}
		fc.Encoding = wire.EncodingUTF8
		fc.Content = string(data)
	case wire.EncodingBase64:
		fc.Content = base64.StdEncoding.EncodeToString(data)
	default:
		return wire.FileContent{}, fmt.Errorf("unknown encoding %q", req.Encoding)
	}
	return fc, nil
}

func (r *runner) gitStatus(ctx context.Context, req wire.GitStatus) (json.RawMessage, error) {
	cwd := req.Cwd
	if cwd == "" && len(r.roots) > 0 {
		cwd = r.roots[0]
	}
	if !r.inRoots(cwd) {
		return nil, fmt.Errorf("cwd outside runner roots")
	}

	branch, _ := gitOutput(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	porcelain, err := gitOutput(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	type fileStatus struct {
		Path   string `json:"path"`
		Status string `json:"status"`
	}
	var files []fileStatus
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, fileStatus{Path: line[3:], Status: strings.TrimSpace(line[:2])})
	}
	return json.Marshal(map[string]any{
		"branch": strings.TrimSpace(branch),
		"files":  files,
		"clean":  len(files) == 0,
	})
}

func (r *runner) gitDiff(ctx context.Context, req wire.GitDiff) (string, error) {
	cwd := req.Cwd
	if cwd == "" && len(r.roots) > 0 {
		cwd = r.roots[0]
	}
	if !r.inRoots(cwd) {
		return "", fmt.Errorf("cwd outside runner roots")
	}
	args := []string{"diff"}
	if req.Staged {
		args = append(args, "--cached")
	}
	if req.Path != "" {
		args = append(args, "--", req.Path)
	}
	return gitOutput(ctx, cwd, args...)
}

func gitOutput(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return out.String(), nil
}

// serveTerminal hosts one hub-initiated PTY for its whole life. Output flows
// up as base64 terminal_data; input/resize/kill frames arrive on the input
// channel.
func (r *runner) serveTerminal(ctx context.Context, msg wire.NewTerminal, write wire.WriteFunc, input <-chan []byte) {
	cwd := msg.Cwd
	if cwd == "" {
		if len(r.roots) > 0 {
			cwd = r.roots[0]
		} else {
			cwd, _ = os.UserHomeDir()
		}
	}
	if !r.inRoots(cwd) {
		write(wire.TerminalError{Type: wire.TypeTerminalError, TerminalID: msg.TerminalID, Message: "cwd outside runner roots"})
		return
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := msg.Cols, msg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		write(wire.TerminalError{Type: wire.TypeTerminalError, TerminalID: msg.TerminalID, Message: err.Error()})
		return
	}
	defer ptmx.Close()

	write(wire.TerminalReady{Type: wire.TypeTerminalReady, TerminalID: msg.TerminalID, Cols: cols, Rows: rows})

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				write(wire.TerminalData{
					Type:       wire.TypeTerminalData,
					TerminalID: msg.TerminalID,
					Data:       base64.StdEncoding.EncodeToString(buf[:n]),
				})
			}
			if err != nil {
				return
			}
		}
	}()

	done := make(chan int, 1)
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = cmd.ProcessState.ExitCode()
		}
		done <- code
	}()

	for {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
			return
		case code := <-done:
			write(wire.TerminalExit{Type: wire.TypeTerminalExit, TerminalID: msg.TerminalID, ExitCode: code})
			return
		case raw := <-input:
			kind, err := wire.Kind(raw)
			if err != nil {
				continue
			}
			switch kind {
			case wire.TypeTerminalInput:
				var in wire.TerminalInput
				if json.Unmarshal(raw, &in) != nil {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(in.Data)
				if err != nil {
					continue
				}
				ptmx.Write(data)
			case wire.TypeTerminalResize:
				var rs wire.TerminalResize
				if json.Unmarshal(raw, &rs) != nil {
					continue
				}
				if rs.Cols > 0 && rs.Rows > 0 {
					pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(rs.Cols), Rows: uint16(rs.Rows)})
				}
			case wire.TypeKillTerminal:
				cmd.Process.Signal(syscall.SIGTERM)
			}
		}
	}
}

// sessionURL turns the runner control URL into the session socket URL a
// worker should dial.
func sessionURL(hubURL, sessionID string) string {
	base := strings.TrimSuffix(hubURL, "/ws/runner")
	return base + "/ws/sessions/" + sessionID
}

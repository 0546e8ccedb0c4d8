package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/transcript"
	"github.com/pizzapi/pizzapi/internal/wire"
)

var (
	// ErrNoSuchRunner is returned when a spawn targets an unknown or
	// disconnected runner.
	ErrNoSuchRunner = errors.New("no such runner")
	// ErrNotAuthorized is returned when the principal may not spawn on the
	// target runner.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrCwdOutsideRoots is returned when the requested working directory
	// is outside the runner's advertised roots.
	ErrCwdOutsideRoots = errors.New("cwd outside runner roots")
	// ErrSessionNotFound hides both missing and invisible sessions, so IDs
	// cannot be enumerated.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for ephemeral sessions past their
	// expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrSpawnRejected wraps a runner's session_error reply.
	ErrSpawnRejected = errors.New("runner rejected spawn")
	// ErrSpawnTimeout is returned when the runner never answers new_session.
	ErrSpawnTimeout = errors.New("spawn timed out")
)

const spawnTimeout = 30 * time.Second

// Session is one live (or idle) agent conversation. The immutable header
// lives here; everything that moves is owned by the channel.
type Session struct {
	ID        string
	UserID    string
	RunnerID  string
	Cwd       string
	StartedAt time.Time
	Ephemeral bool
	ExpiresAt time.Time

	channel *Channel
}

// Channel exposes the session's event channel to connection handlers.
func (s *Session) Channel() *Channel { return s.channel }

// SpawnRequest is the REST spawn payload after validation.
type SpawnRequest struct {
	RunnerID  string
	Cwd       string
	Prompt    string
	Model     string
	Ephemeral bool
	TTL       time.Duration // ephemeral expiry; zero = default 24h
}

// SessionRegistry owns all session records. Mutations to the map go through
// its mutex; per-session mutations go through each session's channel.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	spawnMu sync.Mutex
	spawns  map[string]chan error

	runners     *RunnerRegistry
	transcripts *transcript.Store
	counters    *Counters
	queueSize   int

	subMu sync.Mutex
	subs  map[chan struct{}]struct{} // index-socket change notifications
}

func NewSessionRegistry(runners *RunnerRegistry, transcripts *transcript.Store, queueSize int, counters *Counters) *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]*Session),
		spawns:      make(map[string]chan error),
		runners:     runners,
		transcripts: transcripts,
		counters:    counters,
		queueSize:   queueSize,
		subs:        make(map[chan struct{}]struct{}),
	}
}

// cwdAllowed checks the roots policy hub-side: a cwd must live under one of
// the runner's advertised roots. Runners advertising no roots are unscoped,
// which only their owning user (or an admin) may use.
func cwdAllowed(cwd string, roots []string) bool {
	if cwd == "" {
		return true
	}
	clean := filepath.Clean(cwd)
	for _, root := range roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CreateSession reserves a session, dispatches new_session to the runner
// and waits for its reply. The roots check happens before any frame goes
// out: a refused cwd never reaches the runner.
func (r *SessionRegistry) CreateSession(ctx context.Context, p *Principal, req SpawnRequest) (string, error) {
	runner := r.runners.Get(req.RunnerID)
	if runner == nil {
		return "", ErrNoSuchRunner
	}
	if len(runner.Roots) == 0 {
		if !p.Admin && p.UserID != runner.OwnerUserID {
			return "", ErrNotAuthorized
		}
	} else if !cwdAllowed(req.Cwd, runner.Roots) {
		return "", ErrCwdOutsideRoots
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		RunnerID:  req.RunnerID,
		Cwd:       req.Cwd,
		StartedAt: now,
		Ephemeral: req.Ephemeral,
	}
	if req.Ephemeral {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		sess.ExpiresAt = now.Add(ttl)
	}

	header := transcript.Header{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		RunnerID:  sess.RunnerID,
		Cwd:       sess.Cwd,
		StartedAt: sess.StartedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	ch := newChannel(header, newPersister(r.transcripts, sess.ID), r.queueSize, r.counters)
	ch.onChange = r.notifyChange
	ch.onTerminated = r.removeTerminated
	sess.channel = ch
	go ch.run()

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	wait := make(chan error, 1)
	r.spawnMu.Lock()
	r.spawns[sess.ID] = wait
	r.spawnMu.Unlock()
	defer func() {
		r.spawnMu.Lock()
		delete(r.spawns, sess.ID)
		r.spawnMu.Unlock()
	}()

	err := r.runners.Dispatch(req.RunnerID, wire.NewSession{
		Type:      wire.TypeNewSession,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Cwd:       sess.Cwd,
		Prompt:    req.Prompt,
		Model:     req.Model,
	})
	if err != nil {
		r.drop(sess)
		return "", ErrNoSuchRunner
	}

	spawnCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()
	select {
	case <-spawnCtx.Done():
		r.drop(sess)
		return "", ErrSpawnTimeout
	case err := <-wait:
		if err != nil {
			r.drop(sess)
			return "", fmt.Errorf("%w: %s", ErrSpawnRejected, err.Error())
		}
	}

	r.counters.SessionsStarted.Add(1)
	r.notifyChange()
	logger.Info("session created", "session_id", sess.ID, "runner_id", sess.RunnerID, "user_id", sess.UserID, "cwd", sess.Cwd)
	return sess.ID, nil
}

// resolveSpawn routes a runner's session_ready / session_error reply to the
// CreateSession waiting on it.
func (r *SessionRegistry) resolveSpawn(sessionID string, err error) {
	r.spawnMu.Lock()
	ch := r.spawns[sessionID]
	r.spawnMu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

// drop removes a session that never got off the ground.
func (r *SessionRegistry) drop(sess *Session) {
	sess.channel.Terminate("spawn failed")
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	r.mu.Unlock()
}

// removeTerminated is the channel's termination callback.
func (r *SessionRegistry) removeTerminated(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		r.counters.SessionsEnded.Add(1)
		r.notifyChange()
	}
}

// Lookup resolves a session visible to the principal. Invisible and missing
// both come back ErrSessionNotFound.
func (r *SessionRegistry) Lookup(sessionID string, p *Principal) (*Session, error) {
	r.mu.RLock()
	sess := r.sessions[sessionID]
	r.mu.RUnlock()
	if sess == nil || !p.canSee(sess.UserID) {
		return nil, ErrSessionNotFound
	}
	if sess.Ephemeral && time.Now().After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Get resolves a session with no visibility check, for producer attachment
// (workers authenticate through their runner, not a user).
func (r *SessionRegistry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// EndSession asks the runner to kill the worker and starts the channel's
// end grace. Invisible sessions report not-found.
func (r *SessionRegistry) EndSession(sessionID string, p *Principal) error {
	sess, err := r.Lookup(sessionID, p)
	if err != nil {
		return err
	}
	r.runners.Dispatch(sess.RunnerID, wire.KillSession{Type: wire.TypeKillSession, SessionID: sessionID})
	sess.channel.RequestEnd()
	return nil
}

// ListForUser snapshots the sessions visible to the principal, newest
// first.
func (r *SessionRegistry) ListForUser(p *Principal) []wire.SessionSummary {
	r.mu.RLock()
	var visible []*Session
	for _, sess := range r.sessions {
		if p.canSee(sess.UserID) {
			visible = append(visible, sess)
		}
	}
	r.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool { return visible[i].StartedAt.After(visible[j].StartedAt) })

	out := make([]wire.SessionSummary, 0, len(visible))
	for _, sess := range visible {
		info := sess.channel.Info()
		out = append(out, wire.SessionSummary{
			SessionID:   sess.ID,
			RunnerID:    sess.RunnerID,
			UserID:      sess.UserID,
			Cwd:         sess.Cwd,
			SessionName: info.SessionName,
			State:       info.State,
			LastSeq:     info.LastSeq,
			StartedAt:   sess.StartedAt,
			ExpiresAt:   sess.ExpiresAt,
		})
	}
	return out
}

// SessionIDsOnRunner lists live session IDs hosted by a runner, for the
// adoption list in runner_registered.
func (r *SessionRegistry) SessionIDsOnRunner(runnerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sess := range r.sessions {
		if sess.RunnerID == runnerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CountOnRunner reports how many sessions a runner hosts, for RunnerViews.
func (r *SessionRegistry) CountOnRunner(runnerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sess := range r.sessions {
		if sess.RunnerID == runnerID {
			n++
		}
	}
	return n
}

// RunnerDisconnected is called when a runner's control socket drops. Any
// in-flight spawns fail now; existing sessions stay in the registry but go
// idle with one synthetic disconnected event. Workers may have survived the
// control socket, and their next heartbeat flips the session back to live.
func (r *SessionRegistry) RunnerDisconnected(runnerID string) {
	r.spawnMu.Lock()
	for id, ch := range r.spawns {
		if sess := r.Get(id); sess != nil && sess.RunnerID == runnerID {
			select {
			case ch <- errors.New("runner disconnected"):
			default:
			}
		}
	}
	r.spawnMu.Unlock()

	r.mu.RLock()
	var affected []*Session
	for _, sess := range r.sessions {
		if sess.RunnerID == runnerID {
			affected = append(affected, sess)
		}
	}
	r.mu.RUnlock()
	for _, sess := range affected {
		sess.channel.RunnerLost()
	}
	logger.Warn("runner control socket lost", "runner_id", runnerID, "sessions", len(affected))
}

// TerminateRunnerSessions ends every session on a runner whose
// post-disconnect grace elapsed without a reconnect.
func (r *SessionRegistry) TerminateRunnerSessions(runnerID string) {
	r.mu.RLock()
	var doomed []*Session
	for _, sess := range r.sessions {
		if sess.RunnerID == runnerID {
			doomed = append(doomed, sess)
		}
	}
	r.mu.RUnlock()
	for _, sess := range doomed {
		sess.channel.Terminate("runner gone")
	}
}

// Rehydrate loads persisted transcripts at boot. Rehydrated sessions come
// back idle with no producer; corrupt ones are quarantined and the rest
// keep booting.
func (r *SessionRegistry) Rehydrate() error {
	ids, err := r.transcripts.Scan()
	if err != nil {
		return fmt.Errorf("scan transcripts: %w", err)
	}
	for _, id := range ids {
		snap, err := r.transcripts.ReadSnapshot(id)
		if err == nil {
			var entries []transcript.Entry
			entries, err = r.transcripts.ReadLog(id)
			if err == nil {
				r.rehydrateOne(id, snap, entries)
				continue
			}
		}
		logger.Error("quarantining corrupt transcript", "session_id", id, "error", err)
		r.transcripts.Quarantine(id)
	}
	return nil
}

func (r *SessionRegistry) rehydrateOne(id string, snap *transcript.Snapshot, entries []transcript.Entry) {
	header := transcript.Header{SessionID: id}
	if snap != nil {
		header = snap.Header
	}
	if header.SessionID == "" {
		header.SessionID = id
	}

	ch := newChannel(header, newPersister(r.transcripts, id), r.queueSize, r.counters)
	ch.onChange = r.notifyChange
	ch.onTerminated = r.removeTerminated
	ch.load(snap, entries)
	go ch.run()

	sess := &Session{
		ID:        id,
		UserID:    header.UserID,
		RunnerID:  header.RunnerID,
		Cwd:       header.Cwd,
		StartedAt: header.StartedAt,
		Ephemeral: !header.ExpiresAt.IsZero(),
		ExpiresAt: header.ExpiresAt,
		channel:   ch,
	}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	logger.Info("session rehydrated", "session_id", id, "runner_id", header.RunnerID)
}

// Subscribe registers an index-socket listener; the channel is pinged on
// any membership or lifecycle change.
func (r *SessionRegistry) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

func (r *SessionRegistry) Unsubscribe(ch chan struct{}) {
	r.subMu.Lock()
	delete(r.subs, ch)
	r.subMu.Unlock()
}

func (r *SessionRegistry) notifyChange() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Shutdown flushes every channel's snapshot for a clean restart.
func (r *SessionRegistry) Shutdown() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()
	for _, sess := range sessions {
		sess.channel.Flush()
	}
}

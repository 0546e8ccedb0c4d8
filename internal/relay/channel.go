package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/transcript"
	"github.com/pizzapi/pizzapi/internal/wire"
)

var (
	// ErrAlreadyBound is returned when a second producer tries to attach
	// to a session that already has one.
	ErrAlreadyBound = errors.New("producer already bound")
	// ErrRunnerMismatch is returned when a producer attaches from a runner
	// other than the one the session was spawned on.
	ErrRunnerMismatch = errors.New("producer runner mismatch")
	// ErrNoProducer is returned when viewer input has no worker to go to.
	ErrNoProducer = errors.New("no producer attached")
	// ErrChannelClosed is returned for operations on a terminated session.
	ErrChannelClosed = errors.New("session terminated")
)

const (
	heartbeatDeadline = 30 * time.Second
	producerGone      = 60 * time.Second // producer socket closed → terminate after this
	endGrace          = 10 * time.Second // end requested → terminate even if the producer lingers
	snapshotInterval  = 64               // events between persisted snapshots
	viewerWriteLimit  = 5 * time.Second
	channelTick       = 5 * time.Second
)

type logEntry struct {
	seq  int64
	kind string
	raw  []byte
}

// producer is the bound worker socket of a session. writes go directly to
// the worker; the serializer only hands the pointer out.
type producer struct {
	runnerID string
	write    func(v any) error
}

// Channel is the per-session serializer: one goroutine owns the event log,
// the folded state, the subscriber set and the producer slot. Everything
// that mutates them is a closure on the ops queue, which makes seq
// assignment and fan-out race-free without locks.
type Channel struct {
	ops    chan func()
	closed chan struct{}

	// serializer-owned state; no locks
	header        transcript.Header
	entries       []logEntry
	state         *sessionState
	lastSeq       int64
	lifecycle     string
	prod          *producer
	subs          map[*subscriber]struct{}
	lastHeartbeat time.Time
	goneAt        time.Time // producer socket closed at; zero while attached or rehydrated
	endAt         time.Time // end requested; terminate at this deadline

	persist   *persister
	counters  *Counters
	queueSize int

	onChange     func() // index-socket membership/state pushes
	onTerminated func(sessionID string)
}

// ChannelInfo is a read snapshot of the channel header for REST listings
// and viewer hellos.
type ChannelInfo struct {
	Header      transcript.Header
	State       string
	LastSeq     int64
	SessionName string
	IsActive    bool
}

func newChannel(header transcript.Header, persist *persister, queueSize int, counters *Counters) *Channel {
	return &Channel{
		ops:       make(chan func(), 64),
		closed:    make(chan struct{}),
		header:    header,
		state:     newSessionState(),
		lifecycle: wire.SessionPending,
		subs:      make(map[*subscriber]struct{}),
		persist:   persist,
		counters:  counters,
		queueSize: queueSize,
	}
}

// load restores a rehydrated session before the serializer starts: snapshot
// fold first, then the log suffix. The session comes back idle with no
// termination grace running; it serves replay until a producer returns.
func (c *Channel) load(snap *transcript.Snapshot, entries []transcript.Entry) {
	if snap != nil && len(snap.State) > 0 {
		var active wire.SessionActive
		if json.Unmarshal(snap.State, &active) == nil {
			c.state.restore(&active)
		}
	}
	snapSeq := int64(0)
	if snap != nil {
		snapSeq = snap.Seq
	}
	for _, e := range entries {
		kind, err := wire.Kind(e.Raw)
		if err != nil {
			continue
		}
		c.entries = append(c.entries, logEntry{seq: e.Seq, kind: kind, raw: e.Raw})
		c.lastSeq = e.Seq
		if e.Seq > snapSeq {
			c.state.apply(kind, e.Raw)
		}
	}
	// A snapshot can outrun the log (empty or lost log file); seq
	// assignment must still continue past it, never restart.
	if snapSeq > c.lastSeq {
		c.lastSeq = snapSeq
	}
	c.state.isActive = false
	c.lifecycle = wire.SessionIdle
}

func (c *Channel) run() {
	ticker := time.NewTicker(channelTick)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.ops:
			f()
		case now := <-ticker.C:
			c.tick(now)
		case <-c.closed:
			return
		}
	}
}

// do queues a mutation on the serializer; a no-op once terminated.
func (c *Channel) do(f func()) {
	select {
	case c.ops <- f:
	case <-c.closed:
	}
}

// doWait queues a mutation and waits for it to run.
func (c *Channel) doWait(f func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { f(); close(done) }:
	case <-c.closed:
		return ErrChannelClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	}
}

// Info returns the current header snapshot.
func (c *Channel) Info() ChannelInfo {
	info := ChannelInfo{Header: c.header, State: wire.SessionTerminated}
	c.doWait(func() {
		info.State = c.lifecycle
		info.LastSeq = c.lastSeq
		info.SessionName = c.state.sessionName
		info.IsActive = c.state.isActive
	})
	return info
}

// AttachProducer binds the worker socket. At most one producer per session;
// the runner must be the one the session was spawned on, and an anonymous
// attach (empty runnerId) never matches.
func (c *Channel) AttachProducer(runnerID string, write func(v any) error) error {
	var err error
	werr := c.doWait(func() {
		if c.prod != nil {
			err = ErrAlreadyBound
			return
		}
		if runnerID != c.header.RunnerID {
			err = ErrRunnerMismatch
			return
		}
		c.prod = &producer{runnerID: runnerID, write: write}
		c.lifecycle = wire.SessionLive
		c.lastHeartbeat = time.Now()
		c.goneAt = time.Time{}
		c.notifyChange()
	})
	if werr != nil {
		return werr
	}
	return err
}

// DetachProducer releases the producer slot on socket close. The session
// goes idle and a termination grace starts; a worker restart (exit 43)
// reattaches within it. Viewers see a synthetic cli_error marking the gap.
func (c *Channel) DetachProducer() {
	c.do(func() {
		if c.prod == nil {
			return
		}
		c.prod = nil
		if !c.endAt.IsZero() {
			c.terminate("ended")
			return
		}
		c.lifecycle = wire.SessionIdle
		c.goneAt = time.Now()
		c.ingest(mustMarshal(wire.CLIError{
			Type:    wire.TypeCLIError,
			Message: "worker disconnected",
			Source:  "hub",
		}), nil)
		c.notifyChange()
	})
}

// RunnerLost marks the session idle when its runner's control socket
// drops. Viewers see one synthetic disconnected event with a real seq; a
// surviving worker's next heartbeat flips the session back to live.
func (c *Channel) RunnerLost() {
	c.do(func() {
		if c.lifecycle != wire.SessionLive {
			return
		}
		c.lifecycle = wire.SessionIdle
		c.ingest(mustMarshal(wire.Disconnected{
			Type:    wire.TypeDisconnected,
			Message: "runner disconnected",
		}), nil)
		c.notifyChange()
	})
}

// Ingest logs one producer frame: validate the kind, assign the next seq,
// fold into the snapshot state, fan out, persist. Unknown kinds bounce back
// to the producer as cli_error and are not logged.
func (c *Channel) Ingest(raw []byte, replyToProducer func(v any)) {
	data := make([]byte, len(raw))
	copy(data, raw)
	c.do(func() { c.ingest(data, replyToProducer) })
}

func (c *Channel) ingest(raw []byte, replyToProducer func(v any)) {
	kind, err := wire.Kind(raw)
	if err != nil || !wire.IsSessionEvent(kind) {
		c.counters.FramesRejected.Add(1)
		if replyToProducer != nil {
			msg := "unknown event kind"
			if err != nil {
				msg = err.Error()
			} else {
				msg = fmt.Sprintf("unknown event kind %q", kind)
			}
			replyToProducer(wire.CLIError{Type: wire.TypeCLIError, Message: msg, Source: "hub"})
		}
		return
	}

	seq := c.lastSeq + 1
	stamped, err := wire.Stamp(raw, seq, time.Now())
	if err != nil {
		c.counters.FramesRejected.Add(1)
		return
	}
	c.lastSeq = seq
	c.entries = append(c.entries, logEntry{seq: seq, kind: kind, raw: stamped})
	c.state.apply(kind, stamped)
	c.counters.EventsIngested.Add(1)

	if kind == wire.TypeHeartbeat {
		c.lastHeartbeat = time.Now()
		if c.lifecycle == wire.SessionIdle && c.prod != nil {
			c.lifecycle = wire.SessionLive
			c.notifyChange()
		}
	}

	for sub := range c.subs {
		sub.enqueue(seq, stamped)
	}

	c.persist.appendEvent(stamped)
	if seq%snapshotInterval == 0 {
		c.persist.snapshot(c.snapshotNow())
	}
}

// Synthetic appends a hub-origin event (disconnected, restart-gap errors)
// through the normal ingest path so it gets a real seq and replays like
// anything else.
func (c *Channel) Synthetic(v any) {
	data := mustMarshal(v)
	c.do(func() { c.ingest(data, nil) })
}

// AttachViewer registers a subscriber and queues replay from lastSeq+1 to
// the current tail in the same serializer step, so no live event can slip
// into the gap. The returned hello carries the header for the connected
// frame; the caller starts the subscriber's pump.
func (c *Channel) AttachViewer(lastSeq int64, write func(ctx context.Context, data []byte) error) (*subscriber, ChannelInfo, error) {
	var (
		sub  *subscriber
		info ChannelInfo
	)
	err := c.doWait(func() {
		sub = newSubscriber(c, write, c.queueSize)
		for _, e := range c.entries {
			if e.seq > lastSeq {
				sub.enqueue(e.seq, e.raw)
			}
		}
		c.subs[sub] = struct{}{}
		info = ChannelInfo{
			Header:      c.header,
			State:       c.lifecycle,
			LastSeq:     c.lastSeq,
			SessionName: c.state.sessionName,
			IsActive:    c.state.isActive,
		}
	})
	if err != nil {
		return nil, ChannelInfo{}, err
	}
	return sub, info, nil
}

// DetachViewer removes a subscriber; idempotent.
func (c *Channel) DetachViewer(sub *subscriber) {
	sub.close()
	c.do(func() { delete(c.subs, sub) })
}

// Resync answers a gap-detecting viewer with a compacted session_active
// snapshot; live fan-out continues from the current tail.
func (c *Channel) Resync(sub *subscriber) {
	c.counters.ViewerResyncs.Add(1)
	c.do(func() {
		snap := c.state.sessionActive(c.lastSeq)
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		sub.enqueue(c.lastSeq, data)
	})
}

// ForwardToProducer relays a viewer frame (input, exec) to the worker.
func (c *Channel) ForwardToProducer(v any) error {
	var p *producer
	if err := c.doWait(func() { p = c.prod }); err != nil {
		return err
	}
	if p == nil {
		return ErrNoProducer
	}
	return p.write(v)
}

// RequestEnd begins termination: if no producer is attached the session
// terminates immediately, otherwise it gets endGrace to detach cleanly.
func (c *Channel) RequestEnd() {
	c.do(func() {
		if c.prod == nil {
			c.terminate("ended")
			return
		}
		if c.endAt.IsZero() {
			c.endAt = time.Now().Add(endGrace)
		}
	})
}

// Terminate ends the session now (runner grace expired, ephemeral expiry).
func (c *Channel) Terminate(reason string) {
	c.do(func() { c.terminate(reason) })
}

// Flush persists the current snapshot; used on clean shutdown.
func (c *Channel) Flush() {
	c.doWait(func() { c.persist.snapshot(c.snapshotNow()) })
	c.persist.flush()
}

func (c *Channel) tick(now time.Time) {
	if c.lifecycle == wire.SessionLive && now.Sub(c.lastHeartbeat) > heartbeatDeadline {
		c.lifecycle = wire.SessionIdle
		c.ingest(mustMarshal(wire.Disconnected{
			Type:    wire.TypeDisconnected,
			Message: "producer heartbeat lost",
		}), nil)
		c.notifyChange()
	}
	if !c.endAt.IsZero() && now.After(c.endAt) {
		c.terminate("end grace elapsed")
		return
	}
	if c.prod == nil && !c.goneAt.IsZero() && now.Sub(c.goneAt) > producerGone {
		c.terminate("producer gone")
		return
	}
	if !c.header.ExpiresAt.IsZero() && now.After(c.header.ExpiresAt) {
		c.terminate("expired")
	}
}

func (c *Channel) terminate(reason string) {
	if c.lifecycle == wire.SessionTerminated {
		return
	}
	logger.Info("session terminated", "session_id", c.header.SessionID, "reason", reason, "last_seq", c.lastSeq)
	c.lifecycle = wire.SessionTerminated
	c.persist.snapshot(c.snapshotNow())
	c.persist.close()
	for sub := range c.subs {
		sub.close()
	}
	c.subs = make(map[*subscriber]struct{})
	c.prod = nil
	close(c.closed)
	if c.onTerminated != nil {
		go c.onTerminated(c.header.SessionID)
	}
}

func (c *Channel) snapshotNow() *transcript.Snapshot {
	state, _ := json.Marshal(c.state.sessionActive(c.lastSeq))
	return &transcript.Snapshot{
		Header:  c.header,
		Seq:     c.lastSeq,
		State:   state,
		SavedAt: time.Now().UTC(),
	}
}

func (c *Channel) notifyChange() {
	if c.onChange != nil {
		go c.onChange()
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// subscriber is one attached viewer: a bounded drop-oldest queue plus a
// pump goroutine that writes to the socket. Dropping the oldest entry makes
// the viewer observe a seq gap and resync; the queue itself always stays
// contiguous from its head.
type subscriber struct {
	c     *Channel
	write func(ctx context.Context, data []byte) error
	limit int

	mu    sync.Mutex
	queue []queued

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	lastSent atomic.Int64 // highest seq actually written to the socket
}

type queued struct {
	seq int64
	raw []byte
}

func newSubscriber(c *Channel, write func(ctx context.Context, data []byte) error, limit int) *subscriber {
	return &subscriber{
		c:      c,
		write:  write,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) enqueue(seq int64, raw []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.c.counters.EventsDropped.Add(1)
	}
	s.queue = append(s.queue, queued{seq: seq, raw: raw})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done reports subscriber shutdown to the connection handler.
func (s *subscriber) Done() <-chan struct{} { return s.done }

// LastSent is the highest seq written to the viewer's socket. Queue drops
// never advance it past what was actually delivered.
func (s *subscriber) LastSent() int64 { return s.lastSent.Load() }

// pump drains the queue onto the socket until the subscriber closes or a
// write misses its deadline; a stuck viewer only loses its own connection.
func (s *subscriber) pump(ctx context.Context) {
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			writeCtx, cancel := context.WithTimeout(ctx, viewerWriteLimit)
			err := s.write(writeCtx, item.raw)
			cancel()
			if err != nil {
				s.c.DetachViewer(s)
				return
			}
			if item.seq > s.lastSent.Load() {
				s.lastSent.Store(item.seq)
			}
		}
	}
}

// persister is the channel's async disk writer: appends and snapshot jobs
// accumulate in an unbounded in-memory list (the log is held in memory
// anyway) so a slow disk never blocks ingest.
type persister struct {
	store     *transcript.Store
	sessionID string

	mu      sync.Mutex
	pending []persistJob
	busy    bool // a dequeued batch is still being written
	closing bool

	notify chan struct{}
	done   chan struct{}
}

type persistJob struct {
	raw  []byte
	snap *transcript.Snapshot
}

func newPersister(store *transcript.Store, sessionID string) *persister {
	p := &persister{
		store:     store,
		sessionID: sessionID,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) appendEvent(raw []byte) {
	p.add(persistJob{raw: raw})
}

func (p *persister) snapshot(snap *transcript.Snapshot) {
	p.add(persistJob{snap: snap})
}

func (p *persister) add(job persistJob) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, job)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// close drains remaining jobs and closes the log file.
func (p *persister) close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// flush blocks until everything queued so far is on disk.
func (p *persister) flush() {
	for {
		p.mu.Lock()
		empty := len(p.pending) == 0 && !p.busy
		p.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-p.done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *persister) run() {
	defer close(p.done)
	var log *transcript.Log
	defer func() {
		if log != nil {
			log.Close()
		}
	}()

	for {
		<-p.notify
		for {
			p.mu.Lock()
			if len(p.pending) == 0 {
				closing := p.closing
				p.mu.Unlock()
				if closing {
					return
				}
				break
			}
			jobs := p.pending
			p.pending = nil
			p.busy = true
			p.mu.Unlock()

			for _, job := range jobs {
				if job.raw != nil {
					if log == nil {
						var err error
						log, err = p.store.OpenLog(p.sessionID)
						if err != nil {
							logger.Error("open transcript log", "session_id", p.sessionID, "error", err)
							continue
						}
					}
					if err := log.Append(job.raw); err != nil {
						logger.Error("append transcript", "session_id", p.sessionID, "error", err)
					}
				}
				if job.snap != nil {
					if log != nil {
						log.Sync()
					}
					if err := p.store.WriteSnapshot(job.snap); err != nil {
						logger.Error("write snapshot", "session_id", p.sessionID, "error", err)
					}
				}
			}

			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
		}
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// handleSessionWS serves /ws/sessions/{sessionId} for both peer roles. The
// first frame declares which: connected{lastSeq} attaches a viewer,
// session_active{runnerId} attaches the worker as producer.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	principal := s.principal(r)
	if principal == nil {
		// Workers authenticate with runner credentials, including the
		// legacy shared token.
		principal = s.runnerPrincipal(r)
	}
	if principal == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, err := s.Sessions.Lookup(sessionID, principal)
	if err != nil {
		// Producers authenticate with their runner's credentials, which
		// usually belong to a different user than the session owner.
		// Resolve the session without visibility and let the attach
		// handshake enforce the runner binding instead.
		if errors.Is(err, ErrSessionNotFound) {
			if sess = s.Sessions.Get(sessionID); sess == nil {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			err = nil
		} else {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}
	viewerAllowed := principal.canSee(sess.UserID)

	if !s.Gate.Acquire(principal.UserID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.Gate.Release(principal.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("session websocket accept failed", "error", err, "remote", clientIP(r))
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, first, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		return
	}
	kind, err := wire.Kind(first)
	if err != nil {
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "expected connected or session_active", Source: "hub"})
		return
	}

	switch kind {
	case wire.TypeConnected:
		if !viewerAllowed {
			conn.Close(websocket.StatusPolicyViolation, "not found")
			return
		}
		var hello wire.Connected
		json.Unmarshal(first, &hello)
		s.serveViewer(ctx, conn, sess, principal, hello.LastSeq)

	case wire.TypeSessionActive:
		var announce wire.SessionActive
		if err := json.Unmarshal(first, &announce); err != nil || announce.RunnerID == "" {
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "session_active requires runnerId", Source: "hub"})
			return
		}
		s.serveProducer(ctx, conn, sess, first, announce.RunnerID)

	default:
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "expected connected or session_active", Source: "hub"})
	}
}

// serveViewer attaches a subscription, replays from lastSeq+1, then
// forwards viewer frames (input, exec, resync) until the socket closes.
func (s *Server) serveViewer(ctx context.Context, conn *websocket.Conn, sess *Session, principal *Principal, lastSeq int64) {
	ch := sess.Channel()
	write := func(writeCtx context.Context, data []byte) error {
		return conn.Write(writeCtx, websocket.MessageText, data)
	}
	sub, info, err := ch.AttachViewer(lastSeq, write)
	if err != nil {
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "session terminated", Source: "hub"})
		return
	}
	defer ch.DetachViewer(sub)

	// The connected header goes out before the pump starts, so it precedes
	// every replayed event.
	err = writeFrame(ctx, conn, wire.Connected{
		Type:        wire.TypeConnected,
		LastSeq:     info.LastSeq,
		IsActive:    info.IsActive,
		SessionName: info.SessionName,
	})
	if err != nil {
		return
	}
	go sub.pump(ctx)

	logger.Debug("viewer attached", "session_id", sess.ID, "user_id", principal.UserID, "from_seq", lastSeq)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if !s.Gate.AllowFrame(principal.UserID) {
				continue
			}
			s.viewerFrame(ctx, conn, sess, sub, data)
		}
	}()

	select {
	case <-readDone:
	case <-sub.Done():
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

func (s *Server) viewerFrame(ctx context.Context, conn *websocket.Conn, sess *Session, sub *subscriber, data []byte) {
	kind, err := wire.Kind(data)
	if err != nil {
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "invalid frame: " + err.Error(), Source: "hub"})
		return
	}

	ch := sess.Channel()
	switch kind {
	case wire.TypeResync:
		ch.Resync(sub)

	case wire.TypeInput:
		var msg wire.Input
		if err := json.Unmarshal(data, &msg); err != nil {
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "invalid input frame", Source: "hub"})
			return
		}
		if msg.DeliverAs == "" {
			msg.DeliverAs = wire.DeliverSteer
		}
		if err := ch.ForwardToProducer(msg); err != nil {
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "no worker attached", Source: "hub"})
		}

	case wire.TypeExec:
		var msg wire.Exec
		if err := json.Unmarshal(data, &msg); err != nil {
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "invalid exec frame", Source: "hub"})
			return
		}
		if msg.RequestID == "" {
			msg.RequestID = newRequestID()
		}
		if err := ch.ForwardToProducer(msg); err != nil {
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "no worker attached", Source: "hub"})
		}

	default:
		s.Counters.FramesRejected.Add(1)
		writeFrame(ctx, conn, wire.CLIError{
			Type:    wire.TypeCLIError,
			Message: "unknown frame type " + kind,
			Source:  "hub",
		})
	}
}

// serveProducer binds the worker socket and ingests its events. The
// session_active handshake frame is also the first logged event after a
// (re)connect, which pairs with the synthetic cli_error viewers saw when
// the previous producer dropped.
func (s *Server) serveProducer(ctx context.Context, conn *websocket.Conn, sess *Session, first []byte, runnerID string) {
	ch := sess.Channel()
	reply := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, viewerWriteLimit)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, data)
	}

	if err := ch.AttachProducer(runnerID, reply); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyBound):
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "producer already bound", Source: "hub"})
			conn.Close(websocket.StatusPolicyViolation, "already bound")
		case errors.Is(err, ErrRunnerMismatch):
			writeFrame(ctx, conn, wire.CLIError{Type: wire.TypeCLIError, Message: "runner mismatch", Source: "hub"})
			conn.Close(websocket.StatusPolicyViolation, "runner mismatch")
		default:
			conn.Close(websocket.StatusInternalError, "attach failed")
		}
		return
	}
	defer ch.DetachProducer()

	logger.Info("producer attached", "session_id", sess.ID, "runner_id", runnerID)

	replyDrop := func(v any) { reply(v) }
	ch.Ingest(first, replyDrop)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("producer detached", "session_id", sess.ID, "error", err)
			return
		}
		ch.Ingest(data, replyDrop)
	}
}

package relay

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// handleHubWS serves /ws/hub: a read-mostly index socket that pushes the
// caller's session list on attach and again whenever membership or
// lifecycle changes.
func (s *Server) handleHubWS(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.Gate.Acquire(principal.UserID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.Gate.Release(principal.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("hub websocket accept failed", "error", err, "remote", clientIP(r))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	changes := s.Sessions.Subscribe()
	defer s.Sessions.Unsubscribe(changes)

	push := func() error {
		return writeFrame(ctx, conn, wire.SessionsList{
			Type:     wire.TypeSessionsList,
			Sessions: s.Sessions.ListForUser(principal),
		})
	}
	if err := push(); err != nil {
		return
	}

	// Reads only detect close and keep ping/pong flowing; the socket is
	// push-driven.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-changes:
			if err := push(); err != nil {
				return
			}
		}
	}
}

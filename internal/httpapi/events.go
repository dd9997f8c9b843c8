package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-grader/internal/grading"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// handleEvents streams the session's grading events over a websocket. The
// first message is the current snapshot; subsequent messages are events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", sess.ID(), "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := sess.Subscribe(eventBuffer)
	defer cancel()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := writeMessage(ctx, conn, map[string]any{"kind": "snapshot", "snapshot": sess.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeMessage(ctx, conn, ev); err != nil {
				slog.Debug("websocket write failed", "session_id", sess.ID(), "error", err)
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

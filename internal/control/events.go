package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxscribe/internal/dictation"
)

// eventBuffer is the per-client backlog. A client that falls further behind
// misses events rather than stalling the orchestrator.
const eventBuffer = 64

// handleEvents upgrades to a websocket and streams orchestrator events as
// JSON text frames. The first frame is a state event carrying the current
// state, so a client that connects mid-session can render it immediately.
// Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ch, unsub := s.cfg.Dictation.Events().Subscribe(eventBuffer)
	defer unsub()

	// CloseRead discards client frames and cancels ctx when the peer goes
	// away.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	st := s.cfg.Dictation.Status()
	if err := s.writeEvent(ctx, conn, dictation.Event{
		Kind:      dictation.EventState,
		Time:      time.Now(),
		SessionID: st.SessionID,
		State:     st.State,
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("control: event client dropped", "err", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev dictation.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

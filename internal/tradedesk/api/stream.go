package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/app"
)

const wsWriteTimeout = 10 * time.Second

// handleTurnStream upgrades to a websocket. Each text frame is a JSON
// app.Turn; the server answers with policy, tool, pending and reply events
// followed by the next read. Turns on one connection run sequentially.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.AllowedOrigins}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("failed to accept websocket", "err", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			slog.Debug("failed to close websocket", "err", closeErr)
		}
	}()

	ctx := r.Context()
	var mu sync.Mutex
	write := func(v any) {
		mu.Lock()
		defer mu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, ws, v); err != nil {
			slog.Debug("websocket write failed", "err", err)
		}
	}

	for {
		var turn app.Turn
		if err := wsjson.Read(ctx, ws, &turn); err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Warn("websocket read error", "err", err)
			}
			return
		}
		if turn.SessionID == "" || turn.Message == "" {
			write(app.Event{Type: "error", Data: "session_id and message are required"})
			continue
		}
		turn.Source = "ws"
		// Each turn gets its own trace; the upgrade request's ID only covers
		// the handshake.
		tctx := trace.WithTraceID(ctx, trace.GenerateID())
		if _, err := s.app.HandleTurnStream(tctx, turn, func(ev app.Event) { write(ev) }); err != nil {
			write(app.Event{Type: "error", Data: app.MsgUnexpected})
		}
	}
}

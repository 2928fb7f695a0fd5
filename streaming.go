package gridsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// setupStreamRoutes configures the SSE and WebSocket event streams
func (s *Server) setupStreamRoutes(mux *http.ServeMux, wrap middlewareWrapper) {
	mux.HandleFunc("/api/stream", wrap(s.handleSSE))
	mux.HandleFunc("/api/ws", wrap(s.handleWebSocket))
}

// handleSSE streams change events as text/event-stream frames. The
// subscription lives exactly as long as the connection; nothing is
// replayed, so clients fetch current state on (re)connect.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.broadcaster.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	session := s.sessions.Register(r.URL.Query().Get("platform"), r.URL.Query().Get("documentId"))
	defer s.sessions.Disconnect(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	slog.Info("stream client connected", "session", session.ID, "total", s.broadcaster.Count())
	defer slog.Info("stream client disconnected", "session", session.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				slog.Error("stream event marshal error", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket streams the same change events over a WebSocket, for
// clients that cannot hold an SSE connection open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	sub, err := s.broadcaster.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		return
	}
	defer sub.Close()

	session := s.sessions.Register(r.URL.Query().Get("platform"), r.URL.Query().Get("documentId"))
	defer s.sessions.Disconnect(session.ID)

	// Reader goroutine: we never expect client messages, but reading is
	// required to observe close frames and pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.Stream.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.Stream.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.config.Stream.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

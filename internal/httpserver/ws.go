package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Any Origin is accepted: corsMiddleware only adds CORS response
	// headers and rejects nothing, so the connection is authorised solely
	// by the token query parameter.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsIncoming struct {
	Type string `json:"type"`
}

// handleWebSocket upgrades /ws/upload-progress?token=<jwt>, verifies the
// token, subscribes to the bus for the resulting principal, and forwards
// every event whose principalId matches the connection until the socket
// closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	principal, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	handle, next := s.bus.Subscribe(principal)
	defer s.bus.Unsubscribe(principal.ID, handle)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.wsReadLoop(conn, cancel)

	events := make(chan ingest.ProgressEvent)
	go func() {
		defer close(events)
		for {
			event, ok := next(ctx)
			if !ok {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// wsReadLoop drains client frames, answering {"type":"ping"} with
// {"type":"pong"} and cancelling ctx once the client disconnects.
func (s *Server) wsReadLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsIncoming
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(map[string]string{"type": string(ingest.EventPong)})
		}
	}
}

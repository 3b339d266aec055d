package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainreactor/backend/infrastructure/httputil"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced ahead of this handler by middleware.NewCORSMiddleware;
	// the upgrade itself accepts any origin the request already passed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream upgrades to a WebSocket and tails every newly inserted on-chain
// event for as long as the connection stays open. Read-only: the client
// never sends anything the server acts on beyond the control frames
// gorilla/websocket's reader needs to detect a close.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireOrg(w, r); !ok {
		return
	}
	if h.d.Stream == nil {
		httputil.NotFound(w, "event stream not configured")
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unregister := h.d.Stream.Register()
	defer unregister()

	go discardClientReads(conn)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// discardClientReads keeps gorilla/websocket's control-frame handling (pong,
// close) running by draining the read side; the stream never expects an
// application message from the client.
func discardClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

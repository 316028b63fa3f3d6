package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/soclab/argus/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ServeWS upgrades the request and streams the principal's events to the
// client until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal string, admin bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	clientID := fmt.Sprintf("ws-%d", time.Now().UnixNano())
	sub := h.Subscribe(clientID, principal, admin)

	log.Info().Str("client", clientID).Str("principal", principal).Msg("WebSocket event client connected")

	go h.writePump(conn, sub, clientID)
	go h.readPump(conn, clientID)
}

// readPump drains and discards client messages, keeping the pong handler
// alive; the event stream is one-directional.
func (h *Hub) readPump(conn *websocket.Conn, clientID string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", clientID).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber, clientID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.Unsubscribe(clientID)
		log.Info().Str("client", clientID).Uint64("dropped", sub.Dropped()).Msg("WebSocket event client disconnected")
	}()

	out := make(chan models.Event, 16)
	done := make(chan struct{})
	defer close(done)

	// Forward the blocking Next into a select-friendly channel
	go func() {
		defer close(out)
		for {
			ev, ok := sub.Next()
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-out:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("client", clientID).Msg("Failed to marshal event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

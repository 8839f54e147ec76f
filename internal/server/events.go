package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/machi/internal/model"
)

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsReadLimit    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleEvents handles GET /v1/events. It upgrades to a websocket and
// streams JSON-encoded town events until the client goes away or the hub
// closes. Clients that fall behind miss events instead of stalling
// publishers.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("events: upgrade failed", "error", err)
		return
	}

	ch := h.hub.Subscribe()
	h.logger.Info("events: subscriber connected",
		"remote", r.RemoteAddr, "subscribers", h.hub.Subscribers())

	// Reader: inbound frames are ignored; a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		h.hub.Unsubscribe(ch)
		_ = conn.Close()
		<-gone
		h.logger.Info("events: subscriber disconnected", "remote", r.RemoteAddr)
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

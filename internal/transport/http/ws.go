package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleet-monitor/livefeed/internal/coordinator"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 16
	wsReadLimit  = 512
)

// ServeWS upgrades the request and pushes every coordinator update to the
// client as JSON, starting with the current state. A text "ping" from the
// client is answered with "pong".
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	send := make(chan coordinator.Update, wsSendBuffer)
	pongs := make(chan struct{}, 1)
	done := make(chan struct{})

	unsubscribe, err := h.fleet.Subscribe(func(u coordinator.Update) {
		select {
		case send <- u:
		case <-done:
		}
	})
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	h.logger.Info("fleet subscriber connected", "remote", r.RemoteAddr)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, send, pongs, done)
	}()

	h.readPump(conn, pongs)

	close(done)
	unsubscribe()
	<-writerDone
	conn.Close()
	h.logger.Info("fleet subscriber disconnected", "remote", r.RemoteAddr)
}

func (h *Handler) readPump(conn *websocket.Conn, pongs chan<- struct{}) {
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("fleet subscriber read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if strings.TrimSpace(string(data)) == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// writePump owns every data write on conn.
func (h *Handler) writePump(conn *websocket.Conn, send <-chan coordinator.Update, pongs <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case u := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				h.logger.Debug("fleet subscriber write failed", "error", err)
				conn.Close()
				return
			}
		case <-pongs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

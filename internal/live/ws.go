package live

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// same-origin enforcement is left to the deployment proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades the connection and streams hub updates as JSON
// frames until the client disconnects or falls behind.
func Handler(h *Hub, log zerolog.Logger) http.HandlerFunc {
	wlog := log.With().Str("component", "live-ws").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			wlog.Warn().Err(err).Msg("upgrade failed")
			return
		}
		sub := h.Subscribe()

		go readPump(conn, sub)
		writePump(conn, sub, wlog)
	}
}

// readPump discards client frames; its exit signals disconnect.
func readPump(conn *websocket.Conn, sub *Subscriber) {
	defer sub.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscriber, log zerolog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case u, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub dropped us (overflow or shutdown)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "buffer overflow"))
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				log.Debug().Err(err).Msg("subscriber write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

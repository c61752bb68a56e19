package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	goutils "go.viam.com/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const clientWriteTimeout = 5 * time.Second

// client is one websocket connection on the pose feed.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) servePose(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	select {
	case s.join <- c:
	case <-s.done:
		goutils.UncheckedErrorFunc(conn.Close)
		return
	}

	goutils.PanicCapturingGo(func() {
		c.writePump()
	})

	// Drain inbound frames so pings and close handshakes are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case s.leave <- c:
	case <-s.done:
	}
}

// writePump runs until the send channel is closed by the hub.
func (c *client) writePump() {
	defer goutils.UncheckedErrorFunc(c.conn.Close)
	for msg := range c.send {
		goutils.UncheckedError(c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout)))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	goutils.UncheckedError(c.conn.WriteMessage(websocket.CloseMessage, []byte{}))
}

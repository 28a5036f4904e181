package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ServeWebSocket upgrades GET /event?userId=... and holds the connection
// until the client goes away.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	userKey, err := userKeyFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "user", userKey, "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(userKey, s.opts.SendBuffer)
	s.register(sess, "websocket", r)
	defer s.unregister(sess, "websocket")

	go s.writePump(conn, sess)
	s.readPump(conn, sess)
}

// readPump discards anything the client sends and returns once the
// connection fails or closes.
func (s *Server) readPump(conn *websocket.Conn, sess *session) {
	defer conn.Close()

	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", "user", sess.userKey, "conn", sess.id, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on conn.
func (s *Server) writePump(conn *websocket.Conn, sess *session) {
	ticker := time.NewTicker(s.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, f.body); err != nil {
				s.log.Debug("websocket write failed", "conn", sess.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("websocket ping failed", "conn", sess.id, "error", err)
				return
			}
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(s.opts.WriteWait))
			return
		case <-sess.done:
			return
		}
	}
}

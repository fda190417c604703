package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethpandaops/dbbenchoor/pkg/sink"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer for browsers; observers are
	// read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleObserve upgrades to a websocket and streams every envelope the hub
// broadcasts until either side goes away.
func (s *server) handleObserve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")

		return
	}

	sub := s.hub.Subscribe()
	log := s.log.WithField("remote", r.RemoteAddr)

	log.WithField("observers", s.hub.Len()).Debug("Observer connected")

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		s.readObserver(conn)
	}()

	s.writeObserver(conn, sub, closed)

	sub.Close()
	_ = conn.Close()

	log.WithField("dropped", sub.Dropped()).Debug("Observer disconnected")
}

// readObserver drains client frames so control messages are processed and
// returns once the connection fails or closes.
func (s *server) readObserver(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *server) writeObserver(conn *websocket.Conn, sub *sink.Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-sub.Done():
			return
		case <-s.done:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait),
			)

			return
		}
	}
}

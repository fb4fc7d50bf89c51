package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/plugin"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 512
)

// handleMSEWebSocket streams fMP4 payloads for one monitor over a
// WebSocket: the init segment first, then every payload the MSE client
// broadcasts, as binary frames.
func (s *Server) handleMSEWebSocket(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	client, err := s.live.Client(id)
	if err != nil {
		respondError(c, err)
		return
	}
	init, err := s.wsInitSegment(id, client)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("HTTP", "Monitor %d websocket upgrade: %v", id, err)
		return
	}

	subID, ch := client.Subscribe()
	s.metrics.WSSubscribers.Add(1)
	defer func() {
		client.Unsubscribe(subID)
		s.metrics.WSSubscribers.Add(^uint64(0))
		conn.Close()
	}()

	done := make(chan struct{})
	go wsReadPump(conn, done)
	s.wsWritePump(conn, init, ch, done)
	logger.Debug("HTTP", "Monitor %d websocket viewer disconnected", id)
}

// wsInitSegment prefers the plugin's init segment and falls back to the
// one in the HLS store when the plugin cannot provide it.
func (s *Server) wsInitSegment(id int, client *plugin.MSEClient) ([]byte, error) {
	init, err := client.InitSegment()
	if err == nil {
		return init, nil
	}
	logger.Debug("HTTP", "Monitor %d init from plugin unavailable, trying store: %v", id, err)
	return s.store.ReadInit(id)
}

// wsReadPump drains client frames so pong handling works, and closes
// done when the peer goes away.
func wsReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, init []byte, ch <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, init); err != nil {
		return
	}
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				// Subscription dropped (slow reader or session stop).
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

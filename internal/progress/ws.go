package progress

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	pongWait            = 60 * time.Second
)

// WSServer streams a session's progress events over a WebSocket.
type WSServer struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewWSServer(hub *Hub, logger *zap.Logger) *WSServer {
	return &WSServer{
		hub:          hub,
		logger:       logging.OrNop(logger).Named("progress.ws"),
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Serve upgrades the request and writes events as JSON text frames until
// the terminal event has been sent or the client goes away.
func (s *WSServer) Serve(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go s.readPump(conn, gone)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = s.write(conn, websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Info("progress stream write failed", zap.Stringer("build_session_id", sessionID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.write(conn, websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (s *WSServer) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
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

func (s *WSServer) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteMessage(messageType, data)
}

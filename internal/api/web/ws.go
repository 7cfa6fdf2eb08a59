package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"anomaly-view/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// handleWebSocket отправляет текущее состояние сессии и затем каждое
// следующее, пока клиент не отключится или сессия не закроется.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)

	// Подписка до чтения состояния: изменение между ними придёт в канал.
	updates, cancel := s.views.Subscribe(id)
	defer cancel()

	state, err := s.views.Open(r.Context(), id, 0)
	if err != nil {
		logger.Error("open session %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("session %s: websocket upgrade: %v", id, err)
		return
	}
	defer conn.Close()

	logger.Debug("session %s: websocket connected from %s", id, r.RemoteAddr)

	// Входящие сообщения не нужны, читаем только ради pong и закрытия.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
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
	}()

	if err := s.writeState(conn, newStateView(state)); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-closed:
			logger.Debug("session %s: websocket disconnected", id)
			return
		case st, ok := <-updates:
			if !ok {
				s.writeClose(conn, websocket.CloseNormalClosure, "session closed")
				return
			}
			if err := s.writeState(conn, newStateView(st)); err != nil {
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

func (s *Server) writeState(conn *websocket.Conn, v stateView) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		logger.Debug("websocket write: %v", err)
		return err
	}
	return nil
}

func (s *Server) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

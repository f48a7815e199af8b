package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Live message types.
const (
	MessageSnapshot = "snapshot"
	MessageValve    = "valve"
	MessageRemoved  = "removed"
)

// LiveMessage is one frame on /ws. Snapshot carries every valve; valve
// carries the one that changed; removed names a deregistered valve.
type LiveMessage struct {
	Type    string             `json:"type"`
	At      time.Time          `json:"at"`
	ValveID string             `json:"valve_id,omitempty"`
	Kind    string             `json:"kind,omitempty"`
	Valve   *status.ValveJSON  `json:"valve,omitempty"`
	Valves  []status.ValveJSON `json:"valves,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleLive streams valve changes. Each connection holds its own engine
// subscription; the stream ends when the client goes away or the engine
// stops.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	updates, cancel := s.valves.Subscribe()

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, updates, closed)
	cancel()
}

// readPump discards client frames and reports when the peer is gone.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
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
}

func (s *Server) writePump(conn *websocket.Conn, updates <-chan engine.Update, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	if err := s.send(conn, s.snapshotMessage()); err != nil {
		return
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := s.send(conn, s.updateMessage(u)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg LiveMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) snapshotMessage() LiveMessage {
	views := s.valves.Valves()
	msg := LiveMessage{Type: MessageSnapshot, At: time.Now().UTC(), Valves: make([]status.ValveJSON, 0, len(views))}
	for _, v := range views {
		msg.Valves = append(msg.Valves, status.Valve(v))
	}
	return msg
}

func (s *Server) updateMessage(u engine.Update) LiveMessage {
	msg := LiveMessage{ValveID: u.ValveID, Kind: string(u.Kind), At: u.At.UTC()}
	v, ok := s.valves.Valve(u.ValveID)
	if !ok {
		msg.Type = MessageRemoved
		return msg
	}
	vj := status.Valve(v)
	msg.Type = MessageValve
	msg.Valve = &vj
	return msg
}

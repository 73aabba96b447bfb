// Package ws streams live shield telemetry (levels, detected source,
// faults) to websocket clients.
package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Snapshotter provides the hello frame sent to each new client.
type Snapshotter func() Message

// Handler owns websocket transport for telemetry.
type Handler struct {
	hub      *Hub
	hello    Snapshotter
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler serving hub. hello may be nil.
func NewHandler(hub *Hub, hello Snapshotter) *Handler {
	return &Handler{
		hub:   hub,
		hello: hello,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(1 << 16)

	cl, ok := h.hub.add(64)
	if !ok {
		h.writeDirectError(conn, "server shutting down")
		return
	}
	defer h.hub.remove(cl.id)

	go func() {
		for out := range cl.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		// Hub closed: say goodbye so the read loop below returns.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
	}()

	hello := Message{Type: TypeHello, TS: time.Now().UnixMilli()}
	if h.hello != nil {
		hello = h.hello()
		hello.Type = TypeHello
	}
	h.hub.sendTo(cl.id, hello)

	for {
		var in Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case TypePing:
			h.hub.sendTo(cl.id, Message{Type: TypePong, TS: in.TS})
		default:
			h.hub.sendTo(cl.id, Message{Type: TypeError, Error: "unsupported message type"})
		}
	}
}

func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(Message{Type: TypeError, Error: errMsg})
}

// Package ws serves the DM and player websocket surfaces.
package ws

import (
	"log"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	server "dndemicube/server"
	"dndemicube/server/internal/net/proto"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

type HandlerConfig struct {
	Logger *log.Logger
	// Now stamps inbound heartbeats. Defaults to time.Now.
	Now func() time.Time
}

// Handler upgrades requests and pumps inbound messages into the hub.
type Handler struct {
	hub      *server.Hub
	logger   *log.Logger
	now      func() time.Time
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		hub:    hub,
		logger: logger,
		now:    now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// HandleDM attaches the authoritative surface.
func (h *Handler) HandleDM(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.serve(server.RoleDM, w, r)
}

// HandlePlayer attaches a mirroring surface.
func (h *Handler) HandlePlayer(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.serve(server.RolePlayer, w, r)
}

func (h *Handler) serve(role server.Role, w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", role, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sub, err := h.hub.Subscribe(role, &wsConn{conn: conn})
	if err != nil {
		message := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Disconnect(sub, "read_closed")
			return
		}
		h.dispatch(sub, payload)
	}
}

func (h *Handler) dispatch(sub *server.Subscriber, payload []byte) {
	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		h.logger.Printf("discarding malformed message from %s: %v", sub.ID, err)
		return
	}

	switch msg.Type {
	case proto.TypeCommand:
		cmd, err := proto.ClientCommand(msg)
		if err != nil {
			var seq uint64
			if msg.CommandSeq != nil {
				seq = *msg.CommandSeq
			}
			h.logger.Printf("invalid command from %s: %v", sub.ID, err)
			h.hub.RejectCommand(sub, seq, server.CommandRejectInvalid, false)
			return
		}
		h.hub.SubmitCommand(sub, cmd)
	case proto.TypeHeartbeat:
		h.hub.HandleHeartbeat(sub, h.now(), msg.SentAt)
	case proto.TypeKeyframeReq:
		if msg.KeyframeSeq == nil {
			return
		}
		h.hub.HandleKeyframeRequest(sub, *msg.KeyframeSeq)
	default:
		h.logger.Printf("unknown message type %q from %s", msg.Type, sub.ID)
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

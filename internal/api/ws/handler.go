package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
	bufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the router
	},
}

// Message is a frame exchanged with the client
type Message struct {
	Type    string              `json:"type"`
	Message string              `json:"message,omitempty"`
	Kinds   []tracing.EventKind `json:"kinds,omitempty"`
	Event   *tracing.Event      `json:"event,omitempty"`
}

// Handler manages WebSocket event streams
type Handler struct {
	events  *tracing.Emitter
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler. metrics may be nil.
func NewHandler(events *tracing.Emitter, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{events: events, metrics: metrics, logger: logger.Named("ws")}
}

type filter map[tracing.EventKind]bool

func newFilter(kinds []tracing.EventKind) filter {
	f := make(filter, len(kinds))
	for _, k := range kinds {
		if k != "" {
			f[k] = true
		}
	}
	return f
}

func (f filter) match(k tracing.EventKind) bool {
	return len(f) == 0 || f[k]
}

func parseKinds(q string) []tracing.EventKind {
	if q == "" {
		return nil
	}
	var kinds []tracing.EventKind
	for _, part := range strings.Split(q, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, tracing.EventKind(part))
		}
	}
	return kinds
}

// HandleConnection upgrades the request and streams events until either
// side goes away
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	events, cancel := h.events.Subscribe(bufferSize)
	defer cancel()

	control := make(chan Message, 8)
	done := make(chan struct{})
	go h.readLoop(conn, control, done)

	h.writeLoop(conn, newFilter(parseKinds(c.Query("kinds"))), events, control, done)
}

// readLoop owns reads. Replies go through control so writeLoop stays the
// only writer.
func (h *Handler) readLoop(conn *websocket.Conn, control chan<- Message, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.record("in", msg.Type)

		var reply Message
		switch msg.Type {
		case "ping":
			reply = Message{Type: "pong"}
		case "subscribe":
			reply = Message{Type: "subscribe", Kinds: msg.Kinds}
		default:
			reply = Message{Type: "error", Message: "unknown message type: " + msg.Type}
		}
		select {
		case control <- reply:
		default:
			h.logger.Debug("Dropping control reply", zap.String("type", reply.Type))
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, f filter, events <-chan tracing.Event, control <-chan Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.send(conn, Message{Type: "system", Message: "Connected to channel event stream"}); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return

		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "emitter closed"),
					time.Now().Add(writeWait))
				return
			}
			if !f.match(ev.Kind) {
				continue
			}
			if err := h.send(conn, Message{Type: "event", Event: &ev}); err != nil {
				return
			}

		case msg := <-control:
			if msg.Type == "subscribe" {
				f = newFilter(msg.Kinds)
			}
			if err := h.send(conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("WebSocket write failed", zap.Error(err))
		return err
	}
	h.record("out", msg.Type)
	return nil
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}

// Package ws implements the duplex Progress Bus channel (SPEC_FULL §6b):
// a gorilla/websocket upgrade where a client joins a topic with a
// subscribe message and then receives fanned-out progress/complete/error
// events.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/gorilla/websocket"

	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
)

// outboundQueueSize bounds each connection's write pump so one slow
// subscriber cannot block the Progress Bus (spec.md §4.5 back-pressure).
const outboundQueueSize = 64

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMessage is what a client sends after connecting:
// {"op":"subscribe","topic":"download:<id>"} or {"op":"subscribe","topic":"*"}.
type subscribeMessage struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

type subscribedAck struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

// Handler upgrades HTTP connections to the duplex event channel.
type Handler struct {
	bus out.ProgressBus
	log zerowrap.Logger
}

// NewHandler creates a new WebSocket handler bound to bus.
func NewHandler(bus out.ProgressBus, log zerowrap.Logger) *Handler {
	return &Handler{bus: bus, log: log}
}

// RegisterRoutes registers the WS upgrade endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ws", h.handleUpgrade)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := zerowrap.CtxWithFields(r.Context(), map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "ws",
		zerowrap.FieldHandler: "download-events",
	})
	log := zerowrap.FromCtx(ctx)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var sub subscribeMessage
	if err := conn.ReadJSON(&sub); err != nil {
		log.Debug().Err(err).Msg("subscribe handshake failed")
		return
	}
	if sub.Op != "subscribe" || sub.Topic == "" {
		_ = conn.WriteJSON(map[string]string{"op": "error", "message": "expected {op:subscribe,topic:...}"})
		return
	}

	subscription := h.bus.Subscribe(sub.Topic, outboundQueueSize)
	defer subscription.Close()

	if err := conn.WriteJSON(subscribedAck{Op: "subscribed", Topic: sub.Topic}); err != nil {
		return
	}

	// Drain client-sent frames (pings, future topic changes) without
	// blocking the write pump; a read error means the peer disconnected.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case envelope, ok := <-subscription.Envelopes():
			if !ok {
				return
			}
			if err := h.writeEnvelope(conn, envelope); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeEnvelope(conn *websocket.Conn, envelope domain.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

package collaboration

import (
	"context"
	"encoding/json"
	"net/http"

	"board-collab/internal/middleware"
	"board-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check Origin against the dashboard host list once it is configurable
		return true
	},
}

// WebSocketHandler upgrades board connections and hands them to the relay.
type WebSocketHandler struct {
	relay  *Relay
	logger *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(relay *Relay, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		relay:  relay,
		logger: logger.Named("ws"),
	}
}

// ActorFromRequest reads the upstream-resolved identity from the query string.
// The auth collaborator in front of this service is expected to set these.
func ActorFromRequest(r *http.Request) (models.Actor, bool) {
	q := r.URL.Query()
	actor := models.Actor{
		ID:           q.Get("user_id"),
		DisplayName:  q.Get("user_name"),
		DepartmentID: q.Get("department_id"),
		AvatarRef:    q.Get("avatar"),
	}
	if actor.ID == "" {
		return actor, false
	}
	if actor.DisplayName == "" {
		actor.DisplayName = actor.ID
	}
	return actor, true
}

// HandleConnection upgrades the request and starts the session pumps.
// An optional room_id query parameter joins that room right away.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	roomID := r.URL.Query().Get("room_id")

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("actor.id", actor.ID),
		attribute.String("room.id", roomID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.relay.NewSession(actor, conn)

	// The request context ends with the handler; pumps outlive it.
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump(h.relay)

	if roomID != "" {
		frame, _ := json.Marshal(models.Envelope{Type: models.TopicRoomJoin, RoomID: roomID})
		_ = h.relay.Dispatch(pumpCtx, session, frame)
	}

	go session.ReadPump(pumpCtx, h.relay)
}

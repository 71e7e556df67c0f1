package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
)

// SocketHandler accepts websocket connections and runs their event loop.
type SocketHandler struct {
	hub      *Hub
	verifier auth.Verifier
	tracker  *presence.Tracker
	convos   repositories.ConversationRepository
	messages repositories.MessageRepository
	bus      Publisher
}

// NewSocketHandler constructs a SocketHandler.
func NewSocketHandler(hub *Hub, verifier auth.Verifier, tracker *presence.Tracker, convos repositories.ConversationRepository, messages repositories.MessageRepository, publisher Publisher) *SocketHandler {
	return &SocketHandler{
		hub:      hub,
		verifier: verifier,
		tracker:  tracker,
		convos:   convos,
		messages: messages,
		bus:      publisher,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the handshake, upgrades the connection and pumps
// events until the client disconnects. Authentication failures reject the
// connection before any handler runs.
func (h *SocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := auth.TokenFromRequest(c.Request)
	userID, err := h.verifier.Verify(token)
	if err != nil {
		observability.IncWSEvent("ws_auth_reject")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	h.hub.Register(conn, info)
	h.tracker.Register(ctx, userID, info.ConnID)
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	publishLifecycleEvent(ctx, "ws_connect", info, 0, "")

	session := NewSession(conn, info, h.hub, h.convos, h.messages, h.bus)

	go func() {
		// Messages sent while this user was offline become delivered now.
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		session.MarkPendingDelivered(sweepCtx)
	}()

	go h.readLoop(conn, info, session)
}

func (h *SocketHandler) readLoop(conn *websocket.Conn, info ConnInfo, session *Session) {
	var closeReason string
	defer func() {
		h.hub.Unregister(conn)

		deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.tracker.Deregister(deregCtx, info.UserID, info.ConnID)

		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		publishLifecycleEvent(deregCtx, "ws_disconnect", info, time.Since(info.ConnectedAt).Milliseconds(), closeReason)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}
		eventCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		session.HandleEvent(eventCtx, raw)
		cancel()
	}
}

func publishLifecycleEvent(ctx context.Context, name string, info ConnInfo, durationMS int64, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": durationMS,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, "ws_events.connections", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}, headers)
}

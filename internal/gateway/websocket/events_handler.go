package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/orchestrator/streaming"
)

var eventsUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// EventsHandler upgrades /ws/events connections and hands them to the
// streaming hub for task event delivery.
type EventsHandler struct {
	hub    *streaming.Hub
	logger *logger.Logger
}

// NewEventsHandler creates an event feed WebSocket handler.
func NewEventsHandler(hub *streaming.Hub, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "events_handler")),
	}
}

// HandleEventsWS handles WebSocket connections at /ws/events.
func (h *EventsHandler) HandleEventsWS(c *gin.Context) {
	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	client := streaming.NewClient(h.hub, conn, h.logger)
	go client.WritePump()
	go client.ReadPump()
}

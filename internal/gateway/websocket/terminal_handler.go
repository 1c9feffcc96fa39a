// Package websocket bridges terminal sessions to browser clients. Frames
// are relayed as raw bytes between the socket and the container's stdio so
// xterm.js can attach without any JSON framing.
package websocket

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/terminal"
)

// touchInterval throttles last-activity updates to the repository.
const touchInterval = 5 * time.Second

var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Localhost and same-origin are allowed.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}
	return originURL.Hostname() == requestHost
}

// wsWriter serializes binary frame writes to a gorilla WebSocket.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWsWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// TerminalHandler upgrades /ws/terminal/:sessionId connections and relays
// bytes between the client and the session's container.
type TerminalHandler struct {
	manager *terminal.Manager
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewTerminalHandler creates a terminal WebSocket handler.
func NewTerminalHandler(manager *terminal.Manager, b bus.EventBus, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		manager: manager,
		bus:     b,
		logger:  log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// HandleTerminalWS handles WebSocket connections at /ws/terminal/:sessionId.
func (h *TerminalHandler) HandleTerminalWS(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	streams, session, err := h.manager.Attach(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Warn("Terminal attach failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = streams.Close()
		h.logger.Error("Failed to upgrade to WebSocket",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	h.logger.Info("Terminal WebSocket connected",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.runBridge(c.Request.Context(), conn, streams, session)
}

// runBridge relays bytes in both directions until either side closes or the
// session stops.
func (h *TerminalHandler) runBridge(ctx context.Context, conn *gorillaws.Conn, streams *runtime.AttachStreams, session *models.TerminalSession) {
	wsw := newWsWriter(conn)
	defer func() {
		_ = wsw.Close()
		_ = conn.Close()
		_ = streams.Close()
		h.logger.Info("Terminal WebSocket disconnected",
			zap.String("session_id", session.ID))
	}()

	// Close the socket the moment the session stops, so the client is not
	// left typing into a dead container.
	sub, err := h.bus.Subscribe(events.TerminalStatusSubject(session.ID), func(ctx context.Context, event *bus.Event) error {
		if status, ok := event.Data["new_status"].(string); ok && status == string(models.SessionStatusStopped) {
			_ = conn.Close()
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("Failed to subscribe to session status",
			zap.String("session_id", session.ID),
			zap.Error(err))
	} else {
		defer func() { _ = sub.Unsubscribe() }()
	}

	// Container output -> client
	go func() {
		if _, err := io.Copy(wsw, streams.Stdout); err != nil && err != io.ErrClosedPipe {
			h.logger.Debug("Terminal output relay ended",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
		// Output stream EOF means the container went away
		_ = conn.Close()
	}()

	// Client input -> container
	lastTouch := time.Now()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.String("session_id", session.ID),
					zap.Error(err))
			}
			return
		}
		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if _, err := streams.Stdin.Write(data); err != nil {
			h.logger.Debug("Terminal stdin write failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
			return
		}

		if time.Since(lastTouch) >= touchInterval {
			lastTouch = time.Now()
			if err := h.manager.Touch(ctx, session.ID); err != nil {
				h.logger.Debug("Failed to touch session",
					zap.String("session_id", session.ID),
					zap.Error(err))
			}
		}
	}
}

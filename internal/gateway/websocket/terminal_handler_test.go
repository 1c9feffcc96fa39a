package websocket

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/crewdock/crewdock/internal/common/config"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/repository"
	"github.com/crewdock/crewdock/internal/terminal"
)

// echoRuntime loops container stdin back to stdout, standing in for a shell.
type echoRuntime struct{}

func (echoRuntime) EnsureImage(ctx context.Context, image string) error { return nil }

func (echoRuntime) Start(ctx context.Context, spec runtime.Spec) (*runtime.Handle, error) {
	return &runtime.Handle{ID: spec.Name + "-cid", Name: spec.Name}, nil
}

func (echoRuntime) Attach(ctx context.Context, containerID string) (*runtime.AttachStreams, error) {
	r, w := io.Pipe()
	return &runtime.AttachStreams{Stdin: w, Stdout: r}, nil
}

func (echoRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}

func (echoRuntime) Remove(ctx context.Context, containerID string, force bool) error { return nil }

func (echoRuntime) Inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	return &runtime.Status{ID: containerID, State: "running", Running: true}, nil
}

func (echoRuntime) Wait(ctx context.Context, containerID string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (echoRuntime) List(ctx context.Context, labels map[string]string) ([]runtime.Status, error) {
	return nil, nil
}

func (echoRuntime) Ping(ctx context.Context) error { return nil }

func (echoRuntime) Close() error { return nil }

func newWSFixture(t *testing.T) (*terminal.Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	publisher := notify.NewPublisher(eventBus, "test", log)
	manager := terminal.NewManager(repo, echoRuntime{}, publisher, semaphore.NewWeighted(4), config.TerminalConfig{
		Image:         "crewdock/terminal",
		PortRangeFrom: 42000,
		PortRangeTo:   42010,
		IdleTimeout:   1800,
	}, log)
	t.Cleanup(manager.Shutdown)

	handler := NewTerminalHandler(manager, eventBus, log)
	router := gin.New()
	router.GET("/ws/terminal/:sessionId", handler.HandleTerminalWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return manager, srv
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal/" + sessionID
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	return conn
}

func TestBridgeRelaysBytes(t *testing.T) {
	manager, srv := newWSFixture(t)

	session, err := manager.Open(context.Background(), "u1", "", "shell")
	require.NoError(t, err)

	conn := dialSession(t, srv, session.ID)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, []byte("ls -la\n")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.BinaryMessage, messageType)
	assert.Equal(t, "ls -la\n", string(data))
}

func TestBridgeRejectsUnknownSession(t *testing.T) {
	_, srv := newWSFixture(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal/nope"
	_, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		defer resp.Body.Close()
		assert.Equal(t, 400, resp.StatusCode)
	}
}

func TestBridgeClosesWhenSessionStops(t *testing.T) {
	manager, srv := newWSFixture(t)
	ctx := context.Background()

	session, err := manager.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)

	conn := dialSession(t, srv, session.ID)
	defer conn.Close()

	_, err = manager.Close(ctx, session.ID, "")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crewdock/crewdock/internal/agent/bridge"
	"github.com/crewdock/crewdock/internal/agent/credentials"
	"github.com/crewdock/crewdock/internal/agent/registry"
	"github.com/crewdock/crewdock/internal/common/config"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/gateway/websocket"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/orchestrator/api"
	"github.com/crewdock/crewdock/internal/orchestrator/dispatcher"
	"github.com/crewdock/crewdock/internal/orchestrator/statemachine"
	"github.com/crewdock/crewdock/internal/orchestrator/streaming"
	"github.com/crewdock/crewdock/internal/runtime/docker"
	"github.com/crewdock/crewdock/internal/task/repository"
	"github.com/crewdock/crewdock/internal/terminal"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Crewdock orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-process bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the repository
	repo, err := openRepository(cfg, log)
	if err != nil {
		log.Fatal("Failed to open repository", zap.Error(err))
	}
	defer repo.Close()

	// 6. Initialize Docker client
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 7. Load the agent provider registry
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()
	log.Info("Loaded agent registry", zap.Int("providers", len(reg.List())))

	// 8. Execution state machine with the wall-clock budget watchdog
	publisher := notify.NewPublisher(eventBus, "orchestrator", log)
	machine := statemachine.New(repo, publisher, cfg.Dispatcher.ExecutionTimeoutDuration(), log)
	machine.StartWatchdog(ctx)

	// 9. Agent process bridge
	creds := credentials.NewEnvProvider("CREWDOCK_")
	agentBridge := bridge.New(dockerClient, reg, creds, machine, cfg.Agent, log)
	machine.SetContainerStopper(agentBridge)

	// 10. Dispatcher and terminal manager share one container capacity pool
	sem := semaphore.NewWeighted(int64(cfg.Dispatcher.ContainerCapacity))
	disp := dispatcher.New(repo, machine, agentBridge, publisher, sem, cfg.Dispatcher, log)

	terminals := terminal.NewManager(repo, dockerClient, publisher, sem, cfg.Terminal, log)
	terminals.StartReaper(ctx)

	// 11. Reconcile state left over from a previous run before accepting work
	if err := disp.Reconcile(ctx); err != nil {
		log.Fatal("Failed to reconcile executions", zap.Error(err))
	}
	disp.Start(ctx)

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	handler := api.NewHandler(repo, disp, reg, terminals, log)
	api.SetupRoutes(router, handler, log)

	wsHandler := websocket.NewTerminalHandler(terminals, eventBus, log)
	router.GET("/ws/terminal/:sessionId", wsHandler.HandleTerminalWS)

	hub := streaming.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start event streaming hub", zap.Error(err))
	}
	eventsHandler := websocket.NewEventsHandler(hub, log)
	router.GET("/ws/events", eventsHandler.HandleEventsWS)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Crewdock orchestrator...")

	// 15. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()
	disp.Stop()
	agentBridge.Shutdown(shutdownCtx)
	terminals.Shutdown()
	machine.StopWatchdog()
	cancel()

	log.Info("Crewdock orchestrator stopped")
}

// openRepository selects the persistence backend by configured driver.
func openRepository(cfg *config.Config, log *logger.Logger) (repository.Repository, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Info("Using in-memory repository")
		return repository.NewMemoryRepository(), nil
	case "sqlite":
		log.Info("Using sqlite repository", zap.String("path", cfg.Database.Path))
		return repository.NewSQLiteRepository(cfg.Database.Path)
	case "postgres":
		log.Info("Using postgres repository", zap.String("host", cfg.Database.Host))
		return repository.NewPostgresRepository(cfg.Database)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

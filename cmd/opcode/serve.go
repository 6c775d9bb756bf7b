package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	agenthandlers "github.com/winfunc/opcode-sub004/internal/agent/handlers"
	checkpointhandlers "github.com/winfunc/opcode-sub004/internal/checkpoint/handlers"
	"github.com/winfunc/opcode-sub004/internal/common/httpmw"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	executionhandlers "github.com/winfunc/opcode-sub004/internal/execution/handlers"
	gateways "github.com/winfunc/opcode-sub004/internal/gateway/websocket"
	"github.com/winfunc/opcode-sub004/internal/tracing"
)

const serverName = "opcode"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath(cmd))
		},
	}
}

func serve(configDir string) error {
	cfg, log, err := loadConfigAndLogger(configDir, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(corsMiddleware())

	ws := gateways.NewHandler(a.events.Bus, log)
	gateways.RegisterRoutes(router, ws)
	executionhandlers.RegisterRoutes(router, a.dispatcher, a.transcripts, a.locator, log)
	checkpointhandlers.RegisterRoutes(router, a.checkpoints, log)
	agenthandlers.RegisterRoutes(router, a.agents, log)

	router.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.pool.Ping(pingCtx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":          status,
			"database":        a.pool.Driver(),
			"service":         serverName,
			"running":         len(a.dispatcher.ListRunning()),
			"processes":       a.supervisor.Running(),
			"bus_connected":   a.events.Bus.IsConnected(),
			"stream_clients":  ws.ClientCount(),
			"tracing_enabled": tracing.Enabled(),
		})
	})

	go a.dispatcher.RunJanitor(ctx, time.Minute, cfg.Execution.RetainFinished)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Event streams are long lived, so no write timeout.
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			a.Close()
			return err
		}
	}

	runGracefulShutdown(server, a, ws, log)
	return nil
}

// runGracefulShutdown stops accepting requests, cancels live sessions and
// releases storage.
func runGracefulShutdown(server *http.Server, a *app, ws *gateways.Handler, log *logger.Logger) {
	log.Info("Shutting down opcode...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}
	a.Close()
	log.Info("opcode stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

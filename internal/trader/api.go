package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"roi-trade-bot-go/internal/notify"
	"roi-trade-bot-go/internal/state"
)

// APIServer provides an HTTP interface for controlling the trading engine.
type APIServer struct {
	server     *http.Server
	router     *gin.Engine
	engine     *Engine
	controller *state.Controller
	events     *notify.Memory
	logger     *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port. events may be nil.
func NewAPIServer(port int, engine *Engine, controller *state.Controller, events *notify.Memory, logger *zap.Logger) *APIServer {
	gin.SetMode(gin.ReleaseMode)

	s := &APIServer{
		router:     gin.New(),
		engine:     engine,
		controller: controller,
		events:     events,
		logger:     logger.Named("api-server"),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *APIServer) routes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/status", s.statusHandler)
	s.router.GET("/trades/open", s.openTradesHandler)
	s.router.GET("/events", s.eventsHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/start", s.startHandler)
	s.router.POST("/stop", s.stopHandler)
	s.router.POST("/forceexit/:id", s.forceExitHandler)
	s.router.POST("/forcebuy/:pair", s.forceBuyHandler)
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler { return s.router }

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *APIServer) healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *APIServer) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *APIServer) openTradesHandler(c *gin.Context) {
	trades, err := s.engine.OpenTrades(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to load open trades", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load open trades"})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *APIServer) eventsHandler(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusOK, []notify.Event{})
		return
	}
	c.JSON(http.StatusOK, s.events.Events())
}

func (s *APIServer) startHandler(c *gin.Context) {
	changed := s.controller.Start(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"state": s.controller.State().String(), "changed": changed})
}

func (s *APIServer) stopHandler(c *gin.Context) {
	changed := s.controller.Stop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"state": s.controller.State().String(), "changed": changed})
}

func (s *APIServer) forceExitHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	s.controller.RequestForceExit(uint(id))
	c.JSON(http.StatusAccepted, gin.H{"trade_id": id, "queued": true})
}

// forceBuyHandler accepts pairs as ETH_BTC or ETH-BTC since a slash cannot appear in a path segment.
func (s *APIServer) forceBuyHandler(c *gin.Context) {
	pair := strings.NewReplacer("_", "/", "-", "/").Replace(c.Param("pair"))
	if err := s.engine.RequestBuy(pair); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pair": strings.ToUpper(pair), "queued": true})
}

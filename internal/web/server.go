// Package web exposes the library, runs and live preview over HTTP.
package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/vzahanych/fallwatch/internal/config"
	"github.com/vzahanych/fallwatch/internal/health"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/pipeline"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/store"
)

// FrameExtractor renders still frames from video files
type FrameExtractor interface {
	Thumbnail(ctx context.Context, path string) ([]byte, error)
	ExtractJPEG(ctx context.Context, path string, offset time.Duration, width, height int) ([]byte, error)
}

// RunHistory lists recorded runs
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// Connectivity reports detection service reachability
type Connectivity interface {
	Connected() bool
}

// HealthReporter runs the component health checks
type HealthReporter interface {
	Check(ctx context.Context) health.Report
}

// Dependencies are the components the API serves. Frames, Runs,
// Connectivity and Health are optional.
type Dependencies struct {
	Library      *library.Library
	Runner       *pipeline.Runner
	Preview      *pipeline.Preview
	Frames       FrameExtractor
	Runs         RunHistory
	Connectivity Connectivity
	Health       HealthReporter
	Settings     func() pipeline.Settings
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	deps       Dependencies
	httpServer *http.Server
	router     *gin.Engine
	routesOnce sync.Once
	addr       string
	ctx        context.Context
	cancel     context.CancelFunc
	version    string
	startTime  time.Time
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, deps Dependencies, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		deps:        deps,
		router:      router,
		ctx:         ctx,
		cancel:      cancel,
		version:     "dev",
		startTime:   time.Now(),
	}
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Addr is the bound listen address once started
func (s *Server) Addr() string {
	return s.addr
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.addr = listener.Addr().String()

	// No write timeout: preview and event streams stay open.
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", s.addr)
			s.GetStatus().SetError(err)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", s.addr)
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	s.GetStatus().SetStatus(service.StatusStopped)
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		videos := api.Group("/videos")
		{
			videos.GET("", s.handleListVideos)
			videos.POST("", s.handleAddVideo)
			videos.GET("/:id", s.handleGetVideo)
			videos.DELETE("/:id", s.handleDeleteVideo)
			videos.POST("/:id/select", s.handleSelectVideo)
			videos.POST("/:id/toggle", s.handleToggleVideo)
			videos.POST("/:id/process", s.handleProcessVideo)
			videos.GET("/:id/thumbnail", s.handleThumbnail)
			videos.GET("/:id/timecodes", s.handleTimeCodes)
			videos.GET("/:id/frame", s.handleFrameAt)
		}

		runs := api.Group("/runs")
		{
			runs.GET("", s.handleListRuns)
			runs.GET("/current", s.handleCurrentRun)
			runs.POST("/current/cancel", s.handleCancelRun)
		}

		api.GET("/preview", s.handlePreview)
		api.GET("/preview/stream", s.handlePreviewStream)
		api.GET("/events", s.handleEvents)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

package api

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/securestor/securestor/internal/config"
	"github.com/securestor/securestor/internal/health"
	"github.com/securestor/securestor/internal/logger"
	"github.com/securestor/securestor/internal/middleware"
)

// Server wires the Session Service into a Gin engine and owns the
// http.Server lifecycle. It is a deliberately small struct compared to
// the teacher's Server (which wired artifact/compliance/replication/
// encryption services unrelated to this pipeline); see DESIGN.md's
// "Dropped teacher modules" section for what those were and why.
type Server struct {
	config     *config.Config
	db         *sql.DB
	ginRouter  *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer builds the Gin engine and registers the upload routes. The
// upload handler and service-credential middleware are constructed by
// the caller (cmd/api/main.go) and passed in already wired.
func NewServer(cfg *config.Config, db *sql.DB, uploadHandler *UploadHandler, statsHandler *StatsHandler, cred *middleware.ServiceCredential, l *logger.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	server := &Server{
		config:    cfg,
		db:        db,
		ginRouter: router,
		logger:    l,
	}

	server.setupRoutes(uploadHandler, statsHandler, cred)
	return server
}

func (s *Server) setupRoutes(uploadHandler *UploadHandler, statsHandler *StatsHandler, cred *middleware.ServiceCredential) {
	s.logger.Printf("setting up Gin routes...")

	s.ginRouter.Use(gin.Recovery())
	s.ginRouter.Use(gin.Logger())

	corsConfig := cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if origin == "" {
				return true
			}
			if strings.Contains(origin, "localhost:3000") || strings.Contains(origin, "localhost:8080") {
				return true
			}
			if origin == "http://localhost" || origin == "http://localhost:80" {
				return true
			}
			return strings.Contains(origin, ".securestor.io")
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Service-Key", "X-Owner-Id", "X-Chunk-Index", "X-Chunk-Checksum"},
		ExposeHeaders:    []string{"X-Checksum"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	s.ginRouter.Use(cors.New(corsConfig))

	s.ginRouter.GET("/healthz", s.handleHealthz)

	uploads := s.ginRouter.Group("/uploads")
	uploads.Use(cred.Require())
	uploads.POST("/init", uploadHandler.HandleInit)
	uploads.POST("/:id/chunks", uploadHandler.HandlePutChunk)
	uploads.POST("/:id/finalize", uploadHandler.HandleFinalize)
	uploads.POST("/:id/abort", uploadHandler.HandleAbort)
	// Gin's router matches the static "stats" segment ahead of the :id
	// wildcard whatever the registration order, so GET /uploads/stats
	// never reaches HandleStatus.
	uploads.GET("/stats", statsHandler.HandleStats)
	uploads.GET("/:id", uploadHandler.HandleStatus)
}

func (s *Server) handleHealthz(c *gin.Context) {
	hc := health.GetInstance()
	if hc == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	status := hc.GetCachedStatus()
	if status.Overall == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server with the read/write/idle timeouts the
// upload pipeline's concurrency model requires (long-lived chunk
// streaming on one side, a bounded idle budget on the other), unlike
// the teacher's bare http.ListenAndServe.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.ginRouter,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  90 * time.Second,
	}

	s.logger.Printf("starting server on port %s", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down, letting in-flight chunk
// uploads drain instead of cutting connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

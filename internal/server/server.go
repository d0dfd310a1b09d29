package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/QuocHuannn/fleet-tracker/internal/auth"
	"github.com/QuocHuannn/fleet-tracker/internal/config"
	"github.com/QuocHuannn/fleet-tracker/internal/hub"
)

// HealthReporter answers whether a component is currently up.
type HealthReporter interface {
	Healthy() bool
}

// StorePinger checks the backing stores.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP surface: health, websocket handshake and stats.
type Server struct {
	router   *gin.Engine
	config   *config.Config
	hub      *hub.Manager
	resolver auth.TokenResolver
	ingest   HealthReporter
	store    StorePinger

	ctx  context.Context
	http *http.Server
}

// NewServer creates a server instance.
func NewServer(ctx context.Context, cfg *config.Config, manager *hub.Manager, resolver auth.TokenResolver, ingest HealthReporter, store StorePinger) *Server {
	return &Server{
		config:   cfg,
		hub:      manager,
		resolver: resolver,
		ingest:   ingest,
		store:    store,
		ctx:      ctx,
	}
}

// Setup initializes routes and middleware.
func (s *Server) Setup() {
	s.router = gin.Default()

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.HandleWS)
	s.router.GET("/ws/stats", s.GetWSStats)
}

// handleHealth reports ok while the ingest connection is up and degraded
// once it is lost, so already-ingested data keeps being served either way.
func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"service":   "fleet-tracker",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	status := "ok"
	if s.ingest != nil && !s.ingest.Healthy() {
		status = "degraded"
		health["mqtt"] = "disconnected"
	} else {
		health["mqtt"] = "connected"
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			status = "degraded"
			health["store"] = err.Error()
		} else {
			health["store"] = "ok"
		}
	}

	health["status"] = status
	c.JSON(http.StatusOK, health)
}

// Run starts the HTTP listener and blocks until it stops.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.http = &http.Server{Addr: addr, Handler: s.router}

	log.Printf("[Server] Listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Package api implements the chatline REST server: the authoritative
// read/write surface for users, conversations, and messages. Every successful
// write is also published to NATS so the brokers can nudge connected clients
// to re-fetch; the REST response and the realtime notification deliberately
// race, clients reconcile by re-fetching rather than trusting arrival order.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatline/chatline/internal/history"
	"github.com/chatline/chatline/internal/presence"
)

// Publisher is the slice of the messaging client the API server needs.
type Publisher interface {
	PublishToRoom(conversationID string, data []byte) error
	PublishToUser(userID string, data []byte) error
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	ListenAddr string // e.g. ":8080"
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{ListenAddr: ":8080"}
}

// Server wires the history store, the presence store, and the event publisher
// behind a gin router.
type Server struct {
	config   ServerConfig
	history  *history.Store
	presence *presence.Store
	pub      Publisher
	engine   *gin.Engine
	http     *http.Server
}

// NewServer creates the API server and registers its routes. presenceStore
// may be nil; user listings then omit online status.
func NewServer(config ServerConfig, store *history.Store, presenceStore *presence.Store, pub Publisher) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultServerConfig().ListenAddr
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:   config,
		history:  store,
		presence: presenceStore,
		pub:      pub,
		engine:   engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := s.engine.Group("/api")
	{
		api.POST("/users", s.upsertUser)
		api.GET("/users", s.listUsers)
		api.GET("/users/resolve/:externalID", s.resolveUser)

		api.POST("/conversations", s.createConversation)
		api.GET("/conversations", s.listConversations)
		api.GET("/conversations/:id", s.getConversation)
		api.DELETE("/conversations/:id", s.deleteConversation)

		api.POST("/messages", s.sendMessage)
		api.GET("/messages/:conversationID", s.listMessages)
		api.DELETE("/messages/:id", s.deleteMessage)
	}
}

// Engine exposes the router, used by tests to drive requests in-process.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start begins serving HTTP. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	log.Printf("api: listening on %s", s.config.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Response helpers — every endpoint answers {"data": ...} or {"error": "..."}
// ---------------------------------------------------------------------------

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"data": data})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

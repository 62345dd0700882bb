// Package api provides the admin HTTP API of an engine node
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/gin-gonic/gin"
)

// Engine is the part of the protocol engine the API drives
type Engine interface {
	Definitions() []*protocol.Definition
	Instances(ctx context.Context, owned identity.Identity) ([]protocol.InstanceInfo, error)
	ProvideInboundMessage(ctx context.Context, in protocol.Inbound) (protocol.Outcome, error)
	DispatchDue(ctx context.Context) (int, error)
	CollectGarbage(ctx context.Context) (protocol.GCStats, error)
}

// Network describes the transport for the network endpoints; it may be nil
type Network interface {
	Addrs() []string
	PeerCount() int
	DeviceCount() int
	Sessions() []string
}

// Server is the admin HTTP API server
type Server struct {
	engine        Engine
	network       Network
	notifications *NotificationLog
	router        *gin.Engine
	config        *Config
	httpServer    *http.Server
	startedAt     time.Time
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// APIKeys, when set, are required in the X-API-Key header of /api routes
	APIKeys []string
	// NotificationBacklog is how many app notifications are kept for /notifications
	NotificationBacklog int
	Logger              *log.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:                8080,
		EnableCORS:          true,
		RateLimit:           600,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		NotificationBacklog: 256,
	}
}

// NewServer creates the API server
func NewServer(engine Engine, network Network, config *Config) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api server needs an engine")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:        engine,
		network:       network,
		notifications: NewNotificationLog(config.NotificationBacklog),
		router:        gin.New(),
		config:        config,
		startedAt:     time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware(s.config.Logger))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if len(s.config.APIKeys) > 0 {
		keys := make(map[string]bool, len(s.config.APIKeys))
		for _, k := range s.config.APIKeys {
			keys[k] = true
		}
		v1.Use(AuthMiddleware(keys))
	}
	{
		v1.GET("/protocols", s.handleProtocols)
		v1.GET("/instances", s.handleInstances)
		v1.GET("/notifications", s.handleNotifications)
		v1.POST("/inbound", s.handleInbound)
		v1.POST("/gc", s.handleGC)
		v1.POST("/dispatch", s.handleDispatch)
		v1.GET("/network", s.handleNetwork)
	}
}

// Notifications returns the log app notifications should be recorded in
func (s *Server) Notifications() *NotificationLog {
	return s.notifications
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.config.Logger.Printf("🌐 admin API listening on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("admin API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.config.Logger.Printf("🛑 shutting down admin API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

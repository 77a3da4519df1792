package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/monitor"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Options carries the HTTP layer settings.
type Options struct {
	JWTSecret      string
	FeedToken      string
	RequestTimeout time.Duration
	RatePerIP      float64
	BurstPerIP     int
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	DB        *db.Database
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	FeedToken string
	log       *zap.Logger
}

func NewServer(svc engine.Service, database *db.Database, bus *events.Bus, metrics *monitor.SystemMetrics, opts Options, log *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RatePerIP <= 0 {
		opts.RatePerIP = 20
	}
	if opts.BurstPerIP <= 0 {
		opts.BurstPerIP = 50
	}
	log = logger.Or(log, "api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                       // Panic recovery (first)
	r.Use(RequestIDMiddleware())                                // Request ID tracking
	r.Use(RequestLogger(log, metrics))                          // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RatePerIP, opts.BurstPerIP)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout))               // Request timeout
	r.Use(CORSMiddleware())                                     // CORS (last before routes)

	s := &Server{
		Router:    r,
		Engine:    svc,
		DB:        database,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: opts.JWTSecret,
		FeedToken: opts.FeedToken,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/webhook/signal", s.receiveSignal)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/market-gate", s.getMarketGate)
		api.POST("/market-gate", FeedTokenMiddleware(s.FeedToken), s.updateMarketGate)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/:id", s.getPosition)
			protected.POST("/positions/:id/close", s.closePosition)

			protected.GET("/credentials", s.listCredentials)
			protected.POST("/credentials", s.storeCredential)
			protected.POST("/account/deactivate", s.deactivateAccount)

			protected.GET("/commissions", s.getCommissions)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HTTPServer returns a server for addr so the caller controls shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

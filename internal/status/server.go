// Package status exposes the engine's read-only HTTP surface: health,
// scheduler state, the active signal table, account summary, and a
// websocket stream of freshly published signals.
package status

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/ledger"
	"github.com/quantflow/fxengine/internal/scheduler"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/transport"
)

// SchedulerStats reports tick-loop state.
type SchedulerStats interface {
	Snapshot() scheduler.Stats
}

// SignalBoard reports the active signal table.
type SignalBoard interface {
	Active() []*signal.Signal
	ActiveCount() int
}

// AccountLedger reports account state.
type AccountLedger interface {
	Summary() ledger.AccountSummary
	OpenPositions() []ledger.Position
}

// EATransport reports connected expert advisors.
type EATransport interface {
	ReadyCount() int
	Connections() []transport.EAInfo
}

// Config contains server configuration.
type Config struct {
	Host       string
	Port       int
	BackendURL string // optional upstream checked by /healthz
}

// Server is the REST and websocket status server.
type Server struct {
	router  *gin.Engine
	addr    string
	server  *http.Server
	log     zerolog.Logger
	backend string

	sched  SchedulerStats
	board  SignalBoard
	ledger AccountLedger
	ea     EATransport
	hub    *Hub
}

// NewServer creates the status server. Any dependency may be nil; its
// endpoints then report empty state.
func NewServer(cfg Config, sched SchedulerStats, board SignalBoard, acct AccountLedger, ea EATransport, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:  router,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:     log.With().Str("component", "status_server").Logger(),
		backend: cfg.BackendURL,
		sched:   sched,
		board:   board,
		ledger:  acct,
		ea:      ea,
		hub:     NewHub(log),
	}
	s.setupRoutes()
	return s
}

// SetScheduler attaches the scheduler after construction. The scheduler
// is built last because it depends on channels this server provides.
// Call before Start.
func (s *Server) SetScheduler(sched SchedulerStats) { s.sched = sched }

// Stream returns the websocket hub. It satisfies the publisher's
// broadcaster interface.
func (s *Server) Stream() *Hub { return s.hub }

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.hub.Run()
	s.log.Info().Str("addr", s.addr).Msg("Starting status server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the websocket hub.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping status server")
	s.hub.Stop()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop status server: %w", err)
		}
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("Status request")
	}
}

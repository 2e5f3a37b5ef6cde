// Package server exposes the HTTP gateway: agent and telos template
// management, executor control, memories, personas, metrics, and a
// websocket stream of execution log entries.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"geister/internal/logging"
	"geister/internal/memory"
	"geister/internal/observability"
	"geister/internal/persona"
	"geister/internal/store"
	"geister/internal/swarm"
	"geister/internal/telos"
)

// ExecutorControl is the slice of the executor the gateway drives.
type ExecutorControl interface {
	Start() bool
	Stop() bool
	Running() bool
	Status() telos.Status
	RecentLog(limit int) []telos.ExecutionLogEntry
}

// SwarmProvisioner creates batches of persona-backed agents.
type SwarmProvisioner interface {
	Provision(ctx context.Context, count, startIndex int, personaName string) swarm.Report
}

// Config carries gateway settings.
type Config struct {
	Host  string
	Port  int
	Debug bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wires the store, executor, and supporting services behind gin.
type Server struct {
	store    *store.Store
	executor ExecutorControl
	memory   *memory.Service
	personas *persona.Catalogue
	swarm    SwarmProvisioner
	metrics  *observability.MetricsCollector
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	wg sync.WaitGroup
}

func New(st *store.Store, exec ExecutorControl, mem *memory.Service, personas *persona.Catalogue, provisioner SwarmProvisioner, metrics *observability.MetricsCollector, logger logging.Logger, cfg Config) *Server {
	logger = logging.OrNop(logger)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		store:    st,
		executor: exec,
		memory:   mem,
		personas: personas,
		swarm:    provisioner,
		metrics:  metrics,
		logger:   logger,
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.engine.GET("/ws/executor/log", s.handleLogStream)

	api := s.engine.Group("/api")

	api.GET("/agents", s.handleListAgents)
	api.POST("/agents", s.handleCreateAgent)
	api.GET("/agents/:id", s.handleGetAgent)
	api.PUT("/agents/:id", s.handleUpdateAgent)
	api.DELETE("/agents/:id", s.handleDeleteAgent)
	api.GET("/agents/:id/memories", s.handleListMemories)
	api.GET("/agents/:id/memories/summary", s.handleMemorySummary)

	api.POST("/swarm/recreate", s.handleRecreateSwarm)

	api.GET("/personas", s.handleListPersonas)
	api.GET("/personas/:name", s.handleGetPersona)
	api.POST("/personas/reload", s.handleReloadPersonas)

	api.GET("/telos/templates", s.handleListTemplates)
	api.POST("/telos/templates", s.handleCreateTemplate)
	api.GET("/telos/templates/:id", s.handleGetTemplate)
	api.PUT("/telos/templates/:id", s.handleUpdateTemplate)
	api.DELETE("/telos/templates/:id", s.handleDeleteTemplate)
	api.POST("/telos/templates/:id/set-default", s.handleSetDefaultTemplate)
	api.GET("/telos/default", s.handleGetDefaultTemplate)
	api.POST("/telos/assign-default-to-all", s.handleAssignDefaultToAll)

	api.GET("/agents/:id/telos", s.handleGetTelos)
	api.PUT("/agents/:id/telos", s.handleAssignTelos)
	api.DELETE("/agents/:id/telos", s.handleRemoveTelos)
	api.PUT("/agents/:id/telos/state", s.handleSetTelosState)
	api.PUT("/agents/:id/telos/progress", s.handleSetTelosProgress)
	api.PUT("/agents/telos/state", s.handleSetTelosStateAll)

	api.GET("/telos/executor/status", s.handleExecutorStatus)
	api.POST("/telos/executor/start", s.handleExecutorStart)
	api.POST("/telos/executor/stop", s.handleExecutorStop)
	api.GET("/telos/executor/log", s.handleExecutorLog)
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in the background. The returned channel receives
// the terminal serve error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

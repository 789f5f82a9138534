package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dynens/db"
	"dynens/parallel"
	"dynens/registry"
)

// Config holds the HTTP server settings.
type Config struct {
	Port           int      `yaml:"port"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxRequestMB   int64    `yaml:"max_request_mb"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the settings used when the config file leaves the
// server section empty.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		TimeoutSeconds: 30,
		MaxRequestMB:   64,
		AllowedOrigins: []string{"*"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.MaxRequestMB <= 0 {
		c.MaxRequestMB = def.MaxRequestMB
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
	return c
}

// Deps are the components the server exposes.
type Deps struct {
	Logger   *zap.Logger
	Registry *registry.Registry
	Store    *db.Store
	Pool     *parallel.Pool
}

// Server serves predictions and training over HTTP and streams training
// metrics over a websocket.
type Server struct {
	cfg    Config
	logger *zap.Logger
	reg    *registry.Registry
	store  *db.Store
	pool   *parallel.Pool
	hub    *Hub

	httpServer *http.Server
	training   atomic.Bool
	started    time.Time
}

// New builds a server around the given dependencies.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		logger:  deps.Logger,
		reg:     deps.Registry,
		store:   deps.Store,
		pool:    deps.Pool,
		hub:     NewHub(deps.Logger),
		started: time.Now(),
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: timeout,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/models/{name}", s.handleModelInfo)
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("/ws/metrics", s.hub.HandleWebSocket)

	chain := Chain(
		RecoveryMiddleware(s.logger),
		LoggerMiddleware(s.logger),
		CORSMiddleware(s.cfg.AllowedOrigins),
		RequestSizeMiddleware(s.cfg.MaxRequestMB<<20),
	)
	return chain(mux)
}

// Start runs the hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the hub down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("http server stopping")
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

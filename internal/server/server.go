package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/ratelimit"
	"github.com/ashita-ai/machi/internal/town"
)

// Server is the machi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Sim, Hub, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Town   *town.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Sim       Sim
	Hub       *events.Hub
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Town:                cfg.Town,
		Sim:                 cfg.Sim,
		Hub:                 cfg.Hub,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Chat is the only command that reaches a language model, so it is the
	// only one throttled, per agent.
	chatRL := ratelimit.Middleware(cfg.Limiter, chatKeyFunc, denyRateLimited, cfg.Logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{name}", h.HandleGetAgent)
	mux.HandleFunc("POST /v1/agents/{name}/move", h.HandleMove)
	mux.Handle("POST /v1/agents/{name}/chat", chatRL(http.HandlerFunc(h.HandleChat)))
	mux.HandleFunc("GET /v1/relationships/{a}/{b}", h.HandleRelationship)

	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/snapshot", h.HandleSnapshot)
	mux.HandleFunc("POST /v1/save", h.HandleSave)

	if cfg.Sim != nil {
		mux.HandleFunc("GET /v1/sim", h.HandleSimStatus)
		mux.HandleFunc("POST /v1/sim/start", h.HandleSimStart)
		mux.HandleFunc("POST /v1/sim/stop", h.HandleSimStop)
		mux.HandleFunc("POST /v1/sim/resume", h.HandleSimResume)
	}

	// Long-lived connection, no rate limit.
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// chatKeyFunc buckets chat requests by the addressed agent.
func chatKeyFunc(r *http.Request) string {
	name := r.PathValue("name")
	if name == "" {
		return ""
	}
	return "chat:" + name
}

func denyRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited,
		"rate limit exceeded, retry in "+strconv.Itoa(ratelimit.RetryAfterSeconds(retryAfter))+"s")
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

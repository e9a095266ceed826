package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/sv4u/blobrotate/control/handlers"
	"github.com/sv4u/blobrotate/download/logging"
)

// ServerConfig holds configuration for the status server.
type ServerConfig struct {
	Addr string
}

// Server is the read-only status server.
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	router     *mux.Router
	handlers   *handlers.Handlers
	logger     *logging.Logger
}

// NewServer creates a new status server.
func NewServer(config *ServerConfig, h *handlers.Handlers, logger *logging.Logger) *Server {
	server := &Server{
		config:   config,
		router:   mux.NewRouter(),
		handlers: h,
		logger:   logger,
	}

	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      recoveryMiddleware(server.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.New(NewLogWriter(logger, "serve"), "", 0),
	}

	return server
}

// setupRoutes configures all HTTP routes. Routes sit on the root router
// with full paths so a wrong method gets 405 rather than 404.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/api/files", s.handlers.Files).Methods("GET")
	s.router.HandleFunc("/api/history", s.handlers.History).Methods("GET")
	s.router.HandleFunc("/api/history/{id}", s.handlers.HistoryRun).Methods("GET")
	s.router.HandleFunc("/api/logs", s.handlers.Logs).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handlers.Stats).Methods("GET")

	s.router.HandleFunc("/metrics", s.handlers.Metrics).Methods("GET")
}

// Handler returns the routed handler with panic recovery.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.InfoFields("serve", "status server listening", logging.Fields{"addr": s.httpServer.Addr})
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// recoveryMiddleware wraps an http.Handler to recover from panics and return a proper error response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// One line, so the stack stays in a single log entry.
				log.Printf("PANIC: %v stack=%q", err, debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)

				response := map[string]interface{}{
					"error":   "Internal server error",
					"message": "A panic occurred while processing the request",
				}
				if encErr := json.NewEncoder(w).Encode(response); encErr != nil {
					w.Write([]byte(`{"error":"Internal server error"}`))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

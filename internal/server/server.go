package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/stratus/internal/config"
	"github.com/michaelbrown/stratus/internal/engine"
	"github.com/michaelbrown/stratus/internal/registry"
)

// Server is the HTTP boundary: module registration and lookup on one side,
// the execution engine on the other.
type Server struct {
	cfg    *config.Config
	store  registry.Store
	engine *engine.Engine
	events *EventHub
	router chi.Router
	http   *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, store registry.Store, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		engine: eng,
		events: NewEventHub(),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Module registry
		r.Get("/modules", s.handleListModules)
		r.Post("/modules", s.handleRegisterModule)
		r.Get("/modules/{name}", s.handleGetModule)
		r.Delete("/modules/{name}", s.handleDeleteModule)

		// Invocation & stats
		r.Post("/modules/{name}/invoke", s.handleInvoke)
		r.Get("/modules/{name}/stats", s.handleModuleStats)
		r.Get("/engine/stats", s.handleEngineStats)
	})

	// WebSocket event stream (no JSON content-type)
	r.Get("/api/events/ws", s.handleEventsWS)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("Stratus server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	s.events.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Server is the admin HTTP API.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no actor required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Admin routes (actor required for mutations)
	router.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		// Shift lifecycle
		r.Post("/shifts", handler.StartShift)
		r.Post("/shifts/{id}/finish", handler.FinishShift)
		r.Post("/shifts/{id}/analyze", handler.AnalyzeShift)
		r.Get("/shifts/{id}/history", handler.ShiftHistory)

		// Rides and expenses
		r.Post("/shifts/{id}/rides", handler.AddRide)
		r.Put("/rides/{id}", handler.UpdateRide)
		r.Delete("/rides/{id}", handler.DeleteRide)
		r.Post("/shifts/{id}/expenses", handler.AddExpense)
		r.Delete("/expenses/{id}", handler.DeleteExpense)

		// Fraud events
		r.Get("/fraud-events", handler.ListEvents)
		r.Get("/fraud-events/stats", handler.EventStats)
		r.Get("/fraud-events/{id}", handler.GetEvent)
		r.Patch("/fraud-events/{id}/status", handler.UpdateEventStatus)
		r.Get("/fraud-events/{id}/report", handler.EventReport)

		// Manual sweep
		r.Post("/sweeps", handler.Sweep)
	})

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start serves until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the chi router, used by tests to serve requests directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}

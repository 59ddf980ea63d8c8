// Package api provides the HTTP surface for dispatching and observing
// harvest jobs. It is deliberately thin: authentication, payments and
// admin tooling live elsewhere.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// JobStore is the job persistence surface the API needs.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	CompareAndSetStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error)
}

// ResultStore exposes result row counts and listings.
type ResultStore interface {
	GetByJob(ctx context.Context, jobID string, kind models.ResultKind) ([]*models.ResultRecord, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
}

// Ledger exposes tenant credit state.
type Ledger interface {
	GetBalance(ctx context.Context, tenantID string) (int64, error)
	ListTransactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error)
}

// Server is the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	jobs       JobStore
	results    ResultStore
	ledger     Ledger
	logger     *logging.Logger
}

// NewServer creates an API server.
func NewServer(cfg *config.ServerConfig, jobs JobStore, results ResultStore, ledger Ledger, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		router:  mux.NewRouter(),
		jobs:    jobs,
		results: results,
		ledger:  ledger,
		logger:  logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/results", s.handleGetJobResults).Methods("GET")
	api.HandleFunc("/jobs/{id}/pause", s.handlePauseJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/tenants/{id}/credits", s.handleGetCredits).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "harvest",
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

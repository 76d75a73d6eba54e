// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/service"
	"github.com/cati-dispatcher/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// DispatchServiceInterface defines the interface for dispatch operations
type DispatchServiceInterface interface {
	DispatchNext(ctx context.Context, surveyID, interviewerID string, authorizedRegions []string) (*models.QueueEntry, error)
}

// CompletionServiceInterface defines the interface for completion operations
type CompletionServiceInterface interface {
	RecordCompletion(ctx context.Context, req *service.CompletionRequest) (*service.CompletionResult, error)
	RecordAbandonment(ctx context.Context, req *service.AbandonmentRequest) (*models.QueueEntry, error)
	ApplyManualRejections(ctx context.Context, rejections []service.ManualRejection) (*service.ManualRejectionReport, error)
	AppendMetadata(ctx context.Context, responseID string, metadata map[string]interface{}) error
}

// IngestServiceInterface defines the interface for queue seeding operations
type IngestServiceInterface interface {
	SeedQueue(ctx context.Context, surveyID string, contacts []types.RespondentContact) (*service.SeedReport, error)
}

// CallServiceInterface defines the interface for outbound call launching
type CallServiceInterface interface {
	LaunchCall(ctx context.Context, entry *models.QueueEntry) (string, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	dispatch   DispatchServiceInterface
	completion CompletionServiceInterface
	ingest     IngestServiceInterface
	calls      CallServiceInterface
	validate   *validator.Validate
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance. The call service may be
// nil when no telephony provider is configured; dispatch then returns
// assigned entries without placing calls.
func NewServer(
	config *ServerConfig,
	dispatch DispatchServiceInterface,
	completion CompletionServiceInterface,
	ingest IngestServiceInterface,
	calls CallServiceInterface,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		dispatch:   dispatch,
		completion: completion,
		ingest:     ingest,
		calls:      calls,
		validate:   validator.New(),
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Dispatch endpoints
	api.HandleFunc("/surveys/{surveyID}/dispatch", s.handleDispatchNext).Methods("POST")
	api.HandleFunc("/surveys/{surveyID}/contacts", s.handleSeedContacts).Methods("POST")

	// Response endpoints
	api.HandleFunc("/responses", s.handleRecordCompletion).Methods("POST")
	api.HandleFunc("/responses/rejections", s.handleManualRejections).Methods("POST")
	api.HandleFunc("/responses/{responseID}/metadata", s.handleAppendMetadata).Methods("POST")

	// Queue endpoints
	api.HandleFunc("/queue/{entryID}/abandon", s.handleRecordAbandonment).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "cati-dispatcher",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/policy"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/daimoniac/vulnhash/build/swagger" // Register API docs
)

// @title vulnhash API
// @version 1.0
// @description REST API for looking up known-vulnerable artifacts by their content hashes.
// @description
// @description ## Features
// @description - Look up artifacts by combined hash, embedded file hashes or metadata properties
// @description - Evaluate lookup results against the configured CEL policy and CVE tolerations
// @description - Trigger feed synchronization and purge the result cache
// @description - Inspect database and sync status

// @contact.name vulnhash
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Enter your API key (with or without "Bearer " prefix)

// Service is the set of engine operations the API exposes
type Service interface {
	Lookup(ctx context.Context, artifact types.Artifact) ([]string, error)
	ByHash(ctx context.Context, hash string) ([]string, error)
	ByEmbeddedHashes(ctx context.Context, fileHashes []string) ([]string, error)
	LookupProperties(ctx context.Context, props map[string]string) ([]string, error)
	Synchronize(ctx context.Context) (syncer.Result, error)
	SyncStatus() syncer.Status
	LastUpdated() (time.Time, error)
	Stats(ctx context.Context) (statestore.Stats, error)
	Purge() error
}

// APIServer provides the HTTP API for lookups and maintenance operations
type APIServer struct {
	config      *config.APIConfig
	service     Service
	policy      policy.PolicyEngine
	tolerations []types.CVEToleration
	router      *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewAPIServer creates a new API server instance. evaluator may be nil, in
// which case lookup responses carry no policy verdict.
func NewAPIServer(cfg *config.APIConfig, service Service, evaluator policy.PolicyEngine, tolerations []types.CVEToleration, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	api := &APIServer{
		config:      cfg,
		service:     service,
		policy:      evaluator,
		tolerations: tolerations,
		router:      http.NewServeMux(),
		logger:      logger,
		metrics:     observability.GetMetrics(),
	}

	api.setupRoutes()

	api.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     api.router,
		ReadTimeout: 15 * time.Second,
		// Synchronization requests stream the whole delta before answering
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// Handler returns the API's root handler
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Lookups
	s.handle("/api/v1/lookup", s.handleLookup, false)
	s.handle("/api/v1/hash/", s.handleHash, false)
	s.handle("/api/v1/properties", s.handleProperties, false)
	s.handle("/api/v1/embedded", s.handleEmbedded, false)

	// Status
	s.handle("/api/v1/status", s.handleStatus, false)
	s.handle("/api/v1/tolerations", s.handleListTolerations, false)

	// Actions
	s.handle("/api/v1/sync", s.handleSync, true)
	s.handle("/api/v1/cache/purge", s.handlePurge, true)

	// Swagger documentation
	s.router.HandleFunc("/swagger/", httpSwagger.WrapHandler)

	// Redirect root to swagger
	s.router.HandleFunc("/", s.handleRootRedirect)
}

func (s *APIServer) handle(route string, h http.HandlerFunc, requireWrite bool) {
	s.router.HandleFunc(route, s.instrument(route, s.corsMiddleware(s.authMiddleware(h, requireWrite))))
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route and response code
func (s *APIServer) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func (s *APIServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// authMiddleware provides optional API key authentication
// requireWrite indicates if this is a write operation that should be blocked in read-only mode
func (s *APIServer) authMiddleware(next http.HandlerFunc, requireWrite bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireWrite && s.config.ReadOnly {
			s.respondError(w, http.StatusForbidden, "API is in read-only mode")
			return
		}

		if s.config.APIKey != "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Accept both "Bearer <token>" and just "<token>"
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token != s.config.APIKey {
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
		}

		next(w, r)
	}
}

// Start serves the API until ctx is cancelled
func (s *APIServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	s.logger.Info("starting API server",
		"port", s.config.Port,
		"read_only", s.config.ReadOnly,
		"auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.server.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON sends a JSON response
func (s *APIServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response",
			"error", err.Error())
	}
}

// respondError sends an error response
func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

// handleRootRedirect redirects / to /swagger/
func (s *APIServer) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
}

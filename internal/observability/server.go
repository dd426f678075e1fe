package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides HTTP endpoints for metrics and health checks. When both
// ports are equal a single listener serves every endpoint.
type Server struct {
	servers       []*http.Server
	logger        *slog.Logger
	healthChecker *HealthChecker
}

// NewServer creates a new observability server
func NewServer(metricsPort, healthPort int, logger *slog.Logger, healthChecker *HealthChecker) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	healthMux := metricsMux
	if healthPort != metricsPort {
		healthMux = http.NewServeMux()
	}
	healthMux.HandleFunc("/health", healthChecker.HealthHandler())
	healthMux.HandleFunc("/ready", healthChecker.ReadyHandler())

	servers := []*http.Server{newHTTPServer(metricsPort, metricsMux)}
	if healthPort != metricsPort {
		servers = append(servers, newHTTPServer(healthPort, healthMux))
	}

	return &Server{
		servers:       servers,
		logger:        logger,
		healthChecker: healthChecker,
	}
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}

// Start serves until ctx is cancelled, then shuts the listeners down
func (s *Server) Start(ctx context.Context) error {
	for _, srv := range s.servers {
		go func(srv *http.Server) {
			s.logger.Info("starting observability server",
				"addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("observability server error",
					"addr", srv.Addr,
					"error", err.Error())
			}
		}(srv)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("observability server shutdown error",
			"error", err.Error())
	}
	return nil
}

// Shutdown gracefully shuts down the observability servers
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down observability servers")

	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			return errors.NewTransientf("observability server %s shutdown: %w", srv.Addr, err)
		}
	}
	return nil
}

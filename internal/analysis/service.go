package analysis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/lab-analysis/pkg/config"
	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
)

// Dependencies are the collaborators the HTTP service is assembled from
type Dependencies struct {
	Workflow interfaces.AnalysisWorkflow
	Orders   interfaces.OrderService
	Health   *monitoring.HealthManager
	Metrics  *monitoring.MetricsCollector
	Tracing  *monitoring.TracingManager
}

// Service exposes the analysis workflow and order intake over HTTP
type Service struct {
	config   *config.Config
	workflow interfaces.AnalysisWorkflow
	orders   interfaces.OrderService
	health   *monitoring.HealthManager
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
	logger   *logger.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewService creates the lab analysis HTTP service
func NewService(cfg *config.Config, deps Dependencies, log *logger.Logger) (*Service, error) {
	if deps.Workflow == nil {
		return nil, fmt.Errorf("analysis workflow is required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("order service is required")
	}

	s := &Service{
		config:   cfg,
		workflow: deps.Workflow,
		orders:   deps.Orders,
		health:   deps.Health,
		metrics:  deps.Metrics,
		tracing:  deps.Tracing,
		logger:   log,
	}

	if s.metrics == nil {
		s.metrics = monitoring.NewMetricsCollector("lab-analysis")
	}
	if s.health == nil {
		s.health = monitoring.NewHealthManager("lab-analysis", "dev")
	}
	if s.tracing == nil {
		tm, err := monitoring.NewTracingManager(context.Background(), &monitoring.TracingConfig{ServiceName: "lab-analysis"})
		if err != nil {
			return nil, err
		}
		s.tracing = tm
	}
	return s, nil
}

// Router builds the HTTP handler with monitoring middleware applied
func (s *Service) Router() http.Handler {
	router := mux.NewRouter()

	mm := monitoring.NewMonitoringMiddleware(s.metrics, s.tracing, s.logger)
	router.Use(mm.HTTPMiddleware, s.recoveryMiddleware, s.securityHeadersMiddleware)

	s.setupRoutes(router)

	metricsPath, healthPath := "/metrics", "/health"
	if s.config != nil {
		if s.config.Monitoring.MetricsPath != "" {
			metricsPath = s.config.Monitoring.MetricsPath
		}
		if s.config.Monitoring.HealthPath != "" {
			healthPath = s.config.Monitoring.HealthPath
		}
	}
	router.Handle(metricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc(healthPath, s.health.HTTPHandler()).Methods(http.MethodGet)

	// preflight requests never match a route, so CORS wraps the router
	return s.corsMiddleware(router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Service) Start(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	if s.config != nil {
		server.ReadTimeout = time.Duration(s.config.Server.ReadTimeout) * time.Second
		server.WriteTimeout = time.Duration(s.config.Server.WriteTimeout) * time.Second
		server.IdleTimeout = time.Duration(s.config.Server.IdleTimeout) * time.Second
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.WithField("addr", addr).Info("Starting lab analysis service")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	s.logger.Info("Stopping lab analysis service")
	return server.Shutdown(ctx)
}

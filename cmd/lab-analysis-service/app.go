package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/lab-analysis/internal/analysis"
	"github.com/medrex/lab-analysis/internal/analyzer"
	"github.com/medrex/lab-analysis/internal/notify"
	"github.com/medrex/lab-analysis/internal/orders"
	"github.com/medrex/lab-analysis/pkg/config"
	"github.com/medrex/lab-analysis/pkg/database"
	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/repository"
)

// application is the fully wired service plus everything that must be closed on shutdown
type application struct {
	config    *config.Config
	logger    *logger.Logger
	workflow  *analysis.Workflow
	scheduler *analysis.Scheduler
	service   *analysis.Service
	tracing   *monitoring.TracingManager
	publisher interfaces.EventPublisher

	closers []func() error
}

func newApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*application, error) {
	app := &application{config: cfg, logger: log}
	if err := app.wire(ctx); err != nil {
		if cerr := app.close(context.Background()); cerr != nil {
			log.WithError(cerr).Warn("Cleanup after failed start")
		}
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context) error {
	cfg, log := app.config, app.logger
	var err error

	metrics := monitoring.NewMetricsCollector("lab-analysis")
	health := monitoring.NewHealthManager("lab-analysis-service", version)
	if cfg.Monitoring.HealthTimeout > 0 {
		health.SetTimeout(cfg.Monitoring.HealthTimeout)
	}

	app.tracing, err = monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	repo, err := app.openRepository(ctx, health)
	if err != nil {
		return err
	}

	progress, err := app.openProgressStore(ctx, health)
	if err != nil {
		return err
	}

	publisher, err := app.openPublisher()
	if err != nil {
		return err
	}
	app.publisher = publisher

	client := analyzer.NewClient(analyzer.ClientConfig{
		BaseURL: cfg.Analyzer.BaseURL,
		Timeout: cfg.Analyzer.RequestTimeout,
	}, metrics, log)
	health.RegisterChecker("analyzer", monitoring.NewHTTPHealthChecker(
		strings.TrimSuffix(cfg.Analyzer.BaseURL, "/")+"/health", 2*time.Second))

	app.workflow = analysis.NewWorkflow(
		repo,
		analysis.NewRegistry(cfg.Analyzer.AutoRoutes),
		progress,
		client,
		analysis.WorkflowConfig{DefaultAnalyzerID: cfg.Analyzer.DefaultAnalyzerID},
		log,
		analysis.WithTracer(app.tracing.Tracer()),
		analysis.WithMetrics(metrics),
		analysis.WithPublisher(app.publisher),
	)
	if err := app.workflow.Recover(ctx); err != nil {
		return fmt.Errorf("recover analysis state: %w", err)
	}
	health.RegisterChecker("analyzer_pool", monitoring.NewCustomHealthChecker(app.checkAnalyzerPool))

	app.scheduler = analysis.NewScheduler(app.workflow, cfg.Scheduler.TickInterval, metrics, log)

	app.service, err = analysis.NewService(cfg, analysis.Dependencies{
		Workflow: app.workflow,
		Orders:   orders.NewService(repo, metrics, log),
		Health:   health,
		Metrics:  metrics,
		Tracing:  app.tracing,
	}, log)
	if err != nil {
		return err
	}

	return nil
}

func (app *application) openRepository(ctx context.Context, health *monitoring.HealthManager) (interfaces.LabRepository, error) {
	switch app.config.Storage.Driver {
	case config.StorageDriverMemory:
		app.logger.WithComponent("storage").Warn("Using in-memory storage; state is lost on restart")
		return repository.NewMemoryLabRepository(repository.DefaultAnalyzers(), repository.DefaultServices()), nil
	case config.StorageDriverPostgres:
		db, err := database.NewConnection(ctx, &app.config.Database, app.logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)

		if app.config.Database.AutoMigrate {
			if _, err := database.NewMigrator(app.logger).Up(ctx, db.DB); err != nil {
				return nil, err
			}
		}

		health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db))
		return repository.NewLabRepository(db.DB, app.logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", app.config.Storage.Driver)
	}
}

func (app *application) openProgressStore(ctx context.Context, health *monitoring.HealthManager) (interfaces.ProgressStore, error) {
	if app.config.Progress.Backend != config.ProgressBackendRedis {
		return analysis.NewMemoryProgressStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
		PoolSize: app.config.Redis.PoolSize,
	})
	app.closers = append(app.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(client))
	return analysis.NewRedisProgressStore(client, app.config.Redis.KeyPrefix), nil
}

func (app *application) openPublisher() (interfaces.EventPublisher, error) {
	if !app.config.NATS.Enabled {
		return notify.NewLogPublisher(app.logger), nil
	}
	return notify.NewNATSPublisher(notify.NATSConfig{
		URL:           app.config.NATS.URL,
		Name:          app.config.NATS.Name,
		SubjectPrefix: app.config.NATS.SubjectPrefix,
	}, app.logger)
}

// checkAnalyzerPool reports degraded while every physical analyzer is held
func (app *application) checkAnalyzerPool(ctx context.Context) monitoring.HealthCheck {
	var available, busy int
	for _, a := range app.workflow.Analyzers() {
		if a.Virtual {
			continue
		}
		if a.Available {
			available++
		} else {
			busy++
		}
	}

	check := monitoring.HealthCheck{
		Status:  monitoring.HealthStatusHealthy,
		Message: "Analyzers available",
		Details: map[string]interface{}{"available": available, "busy": busy},
	}
	if available == 0 {
		check.Status = monitoring.HealthStatusDegraded
		check.Message = "All analyzers are busy"
	}
	return check
}

// close releases resources in reverse order of acquisition
func (app *application) close(ctx context.Context) error {
	var errs []error

	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.publisher != nil {
		errs = append(errs, app.publisher.Close())
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	if app.tracing != nil {
		errs = append(errs, app.tracing.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

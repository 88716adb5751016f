package interfaces

import (
	"context"
	"time"

	"github.com/medrex/lab-analysis/pkg/types"
)

// LabRepository defines read access and transactional writes for lab data
type LabRepository interface {
	// Catalogue
	ListServices(ctx context.Context) ([]*types.Service, error)
	GetServicesByCodes(ctx context.Context, codes []int) ([]*types.Service, error)

	// Orders
	CreateOrder(ctx context.Context, order *types.Order, items []*types.OrderService) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	NextOrderSequence(ctx context.Context) (int64, error)

	// Order services
	GetOrderService(ctx context.Context, id string) (*types.OrderService, error)
	ListOrderServices(ctx context.Context, filters *types.OrderServiceFilters) ([]*types.OrderService, error)

	// Analyzers and audit trail
	ListAnalyzers(ctx context.Context) ([]*types.Analyzer, error)
	ListAnalyzerWork(ctx context.Context, orderServiceID string) ([]*types.AnalyzerWork, error)

	// RunInTx executes fn atomically; any error rolls every write back
	RunInTx(ctx context.Context, fn func(tx LabTx) error) error
}

// LabTx is the set of writes a workflow transition performs atomically
type LabTx interface {
	// UpdateOrderService stores status and result as given; a nil result clears it
	UpdateOrderService(ctx context.Context, id string, status types.OrderServiceStatus, result *string) error
	SetAnalyzerAvailable(ctx context.Context, analyzerID int, available bool) error
	AppendAnalyzerWork(ctx context.Context, work *types.AnalyzerWork) error
	CountIncompleteOrderServices(ctx context.Context, orderID string) (int, error)
	CompleteOrder(ctx context.Context, orderID string, executionTimeDays int, completedAt time.Time) error
}

// AnalyzerClient talks to the external analyzer endpoint
type AnalyzerClient interface {
	Submit(ctx context.Context, analyzerName string, req *types.AnalyzerRequest) error
	FetchResult(ctx context.Context, analyzerName string) (*types.AnalyzerResponse, error)
}

// ProgressStore keeps per-order-service analysis progress
type ProgressStore interface {
	Get(ctx context.Context, orderServiceID string) (*types.Progress, bool, error)
	Put(ctx context.Context, progress *types.Progress) error
	Delete(ctx context.Context, orderServiceID string) error
	List(ctx context.Context) ([]*types.Progress, error)
}

// EventPublisher announces analysis lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event *types.AnalysisEvent) error
	Close() error
}

// AnalysisWorkflow is the analyzer state machine exposed to the HTTP layer
type AnalysisWorkflow interface {
	Submit(ctx context.Context, orderServiceID, userID string) (*types.AnalysisState, error)
	Advance(ctx context.Context, orderServiceID string, elapsed time.Duration) (*types.AnalysisState, error)
	AdvanceAll(ctx context.Context, elapsed time.Duration) error
	Resolve(ctx context.Context, orderServiceID string, decision types.Decision, userID string) (*types.ResolveOutcome, error)
	Status(ctx context.Context, orderServiceID string) (*types.AnalysisState, error)
	Worklist(ctx context.Context, filters *types.OrderServiceFilters) ([]*types.AnalysisState, error)
	History(ctx context.Context, orderServiceID string) ([]*types.AnalyzerWork, error)
	Analyzers() []*types.Analyzer
	Recover(ctx context.Context) error
}

// OrderService defines order intake operations
type OrderService interface {
	CreateOrder(ctx context.Context, req *types.CreateOrderRequest) (*types.OrderDetails, error)
	GetOrder(ctx context.Context, orderID string) (*types.OrderDetails, error)
	ListServices(ctx context.Context) ([]*types.Service, error)
	NextBiomaterialBase(ctx context.Context) (int64, error)
}

package analysis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/types"
)

// WorkflowConfig holds the routing defaults used by the workflow
type WorkflowConfig struct {
	// DefaultAnalyzerID is used for services without an assigned analyzer
	DefaultAnalyzerID int
}

// Workflow drives order services through pending, in_progress and
// completed. A single mutex serializes every transition and tick, so
// the datastore, registry and progress store always change together.
type Workflow struct {
	mu sync.Mutex

	repo      interfaces.LabRepository
	registry  *Registry
	progress  interfaces.ProgressStore
	client    interfaces.AnalyzerClient
	publisher interfaces.EventPublisher
	metrics   *monitoring.MetricsCollector
	tracer    trace.Tracer
	logger    *logger.Logger
	config    WorkflowConfig
	now       func() time.Time

	// results fetched for order services still awaiting a human decision
	pendingResults map[string]*types.AnalyzerServiceResult
}

var _ interfaces.AnalysisWorkflow = (*Workflow)(nil)

// Option customizes a Workflow
type Option func(*Workflow)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithTracer sets the tracer used for workflow spans
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Workflow) { w.tracer = tracer }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// NewWorkflow creates the analysis workflow
func NewWorkflow(
	repo interfaces.LabRepository,
	registry *Registry,
	progress interfaces.ProgressStore,
	client interfaces.AnalyzerClient,
	cfg WorkflowConfig,
	log *logger.Logger,
	opts ...Option,
) *Workflow {
	if cfg.DefaultAnalyzerID <= 0 {
		cfg.DefaultAnalyzerID = 1
	}

	w := &Workflow{
		repo:           repo,
		registry:       registry,
		progress:       progress,
		client:         client,
		logger:         log,
		config:         cfg,
		now:            func() time.Time { return time.Now().UTC() },
		pendingResults: make(map[string]*types.AnalyzerServiceResult),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.tracer == nil {
		w.tracer = noop.NewTracerProvider().Tracer("analysis")
	}
	if w.metrics == nil {
		w.metrics = monitoring.NewMetricsCollector("lab-analysis")
	}
	return w
}

func (w *Workflow) startSpan(ctx context.Context, name, orderServiceID string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order_service.id", orderServiceID)))
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// loadForTransition fetches an order service; a missing one is reported
// as an invalid transition for action
func (w *Workflow) loadForTransition(ctx context.Context, id, action string) (*types.OrderService, error) {
	item, err := w.repo.GetOrderService(ctx, id)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFound) {
			return nil, types.NewInvalidTransitionError(id, "", action)
		}
		return nil, fmt.Errorf("failed to load order service: %w", err)
	}
	return item, nil
}

func (w *Workflow) analyzerFor(svc *types.Service) int {
	if svc.AnalyzerID > 0 {
		return svc.AnalyzerID
	}
	return w.config.DefaultAnalyzerID
}

// Submit dispatches a pending order service to an analyzer
func (w *Workflow) Submit(ctx context.Context, orderServiceID, userID string) (*types.AnalysisState, error) {
	ctx, span := w.startSpan(ctx, "analysis.submit", orderServiceID)
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	log := w.logger.WithOrderService(orderServiceID).WithField("user_id", userID)

	item, err := w.loadForTransition(ctx, orderServiceID, "submit")
	if err != nil {
		return nil, failSpan(span, err)
	}
	if item.Status != types.OrderServiceStatusPending {
		return nil, failSpan(span, types.NewInvalidTransitionError(orderServiceID, item.Status, "submit"))
	}

	requested := w.analyzerFor(&item.Service)
	res, err := w.registry.TryReserve(requested, orderServiceID)
	if err != nil {
		w.metrics.RecordSubmit(strconv.Itoa(requested), "no_analyzer")
		log.WithField("analyzer_id", requested).Info("No analyzer available")
		return nil, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int("analyzer.id", res.AnalyzerID), attribute.String("analyzer.name", res.AnalyzerName))

	req := &types.AnalyzerRequest{
		Patient:  item.OrderID,
		Services: []types.AnalyzerServiceRequest{{ServiceCode: item.ServiceCode}},
	}
	if err := w.client.Submit(ctx, res.AnalyzerName, req); err != nil {
		w.registry.Release(res)
		w.metrics.RecordSubmit(res.AnalyzerName, "dispatch_failed")
		log.WithError(err).WithField("analyzer", res.AnalyzerName).Warn("Analyzer dispatch failed")
		return nil, failSpan(span, asDispatchError(res.AnalyzerName, err))
	}

	now := w.now()
	progress := &types.Progress{
		OrderServiceID:  orderServiceID,
		AnalyzerID:      res.AnalyzerID,
		ExpectedSeconds: item.Service.ExpectedDuration(),
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := w.progress.Put(ctx, progress); err != nil {
		w.registry.Release(res)
		w.metrics.RecordSystemError("progress_store", "workflow")
		return nil, failSpan(span, types.NewInternalError("failed to start progress tracking", err))
	}

	err = w.repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		if err := tx.UpdateOrderService(ctx, orderServiceID, types.OrderServiceStatusInProgress, nil); err != nil {
			return err
		}
		if err := tx.SetAnalyzerAvailable(ctx, res.AnalyzerID, false); err != nil {
			return err
		}
		return tx.AppendAnalyzerWork(ctx, &types.AnalyzerWork{
			ID:             uuid.New().String(),
			OrderServiceID: orderServiceID,
			AnalyzerID:     res.AnalyzerID,
			UserID:         userID,
			Action:         types.AnalyzerWorkSubmitted,
			PerformedAt:    now,
		})
	})
	if err != nil {
		if delErr := w.progress.Delete(ctx, orderServiceID); delErr != nil {
			log.WithError(delErr).Error("Failed to discard progress after rollback")
		}
		w.registry.Release(res)
		w.metrics.RecordSystemError("transaction", "workflow")
		return nil, failSpan(span, types.NewInternalError("failed to record submission", err))
	}

	w.metrics.RecordSubmit(res.AnalyzerName, "success")
	w.logger.Audit(userID, "submit", "order_service:"+orderServiceID, true, map[string]interface{}{
		"analyzer_id": res.AnalyzerID,
		"analyzer":    res.AnalyzerName,
	})
	w.publish(ctx, &types.AnalysisEvent{
		Type:           types.EventAnalysisSubmitted,
		OrderServiceID: orderServiceID,
		OrderID:        item.OrderID,
		AnalyzerID:     res.AnalyzerID,
		UserID:         userID,
		OccurredAt:     now,
	})

	item.Status = types.OrderServiceStatusInProgress
	return w.buildState(item, progress), nil
}

func asDispatchError(analyzer string, err error) error {
	if _, ok := types.AsLabError(err); ok {
		return err
	}
	return types.NewDispatchError(analyzer, err)
}

// Advance adds elapsed time to one order service's progress
func (w *Workflow) Advance(ctx context.Context, orderServiceID string, elapsed time.Duration) (*types.AnalysisState, error) {
	if elapsed < 0 {
		return nil, types.NewValidationError("elapsed time must not be negative", map[string]interface{}{
			"elapsed_seconds": elapsed.Seconds(),
		})
	}

	ctx, span := w.startSpan(ctx, "analysis.advance", orderServiceID)
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.advanceLocked(ctx, orderServiceID, elapsed); err != nil {
		return nil, failSpan(span, err)
	}
	return w.statusLocked(ctx, orderServiceID)
}

// AdvanceAll adds elapsed time to every tracked order service
func (w *Workflow) AdvanceAll(ctx context.Context, elapsed time.Duration) error {
	if elapsed < 0 {
		return types.NewValidationError("elapsed time must not be negative", nil)
	}

	ctx, span := w.tracer.Start(ctx, "analysis.advance_all")
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.progress.List(ctx)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to list progress: %w", err))
	}
	w.metrics.SetInFlight(len(entries))
	span.SetAttributes(attribute.Int("progress.entries", len(entries)))

	var errs []error
	for _, entry := range entries {
		if _, err := w.advanceEntry(ctx, entry, elapsed); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return failSpan(span, errors.Join(errs...))
	}
	return nil
}

func (w *Workflow) advanceLocked(ctx context.Context, orderServiceID string, elapsed time.Duration) (*types.Progress, error) {
	entry, ok, err := w.progress.Get(ctx, orderServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return w.advanceEntry(ctx, entry, elapsed)
}

// advanceEntry applies percent += elapsed*100/expected, clamped to 100
func (w *Workflow) advanceEntry(ctx context.Context, entry *types.Progress, elapsed time.Duration) (*types.Progress, error) {
	if entry.Ready {
		return entry, nil
	}

	expected := entry.ExpectedSeconds
	if expected <= 0 {
		expected = float64(types.ExecutionTimeFactor * types.DefaultExecutionTime)
	}

	entry.Percent += elapsed.Seconds() * 100 / expected
	if entry.Percent >= 100 {
		entry.Percent = 100
		entry.Ready = true
	}
	entry.UpdatedAt = w.now()

	if err := w.progress.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store progress for %s: %w", entry.OrderServiceID, err)
	}

	if entry.Ready {
		w.logger.WithOrderService(entry.OrderServiceID).Info("Analysis ready for resolution")
		w.publish(ctx, &types.AnalysisEvent{
			Type:           types.EventAnalysisReady,
			OrderServiceID: entry.OrderServiceID,
			AnalyzerID:     entry.AnalyzerID,
			OccurredAt:     entry.UpdatedAt,
		})
	}
	return entry, nil
}

// Resolve fetches the analyzer result for a ready order service and
// completes or rejects it according to the approval rule and decision
func (w *Workflow) Resolve(ctx context.Context, orderServiceID string, decision types.Decision, userID string) (*types.ResolveOutcome, error) {
	if !decision.Valid() {
		return nil, types.NewValidationError("unknown decision", map[string]interface{}{"decision": string(decision)})
	}

	ctx, span := w.startSpan(ctx, "analysis.resolve", orderServiceID)
	defer span.End()
	span.SetAttributes(attribute.String("decision", string(decision)))

	w.mu.Lock()
	defer w.mu.Unlock()

	item, err := w.loadForTransition(ctx, orderServiceID, "resolve")
	if err != nil {
		return nil, failSpan(span, err)
	}
	if item.Status != types.OrderServiceStatusInProgress {
		return nil, failSpan(span, types.NewInvalidTransitionError(orderServiceID, item.Status, "resolve"))
	}

	entry, ok, err := w.progress.Get(ctx, orderServiceID)
	if err != nil {
		return nil, failSpan(span, types.NewInternalError("failed to read progress", err))
	}
	if !ok || !entry.Ready {
		return nil, failSpan(span, types.NewInvalidTransitionError(orderServiceID, item.Status, "resolve before the analysis is ready"))
	}

	res, ok := w.registry.ReservationFor(orderServiceID)
	if !ok {
		res, err = w.registry.Adopt(entry.AnalyzerID, orderServiceID)
		if err != nil {
			return nil, failSpan(span, types.NewInternalError("order service holds no analyzer", err))
		}
	}

	result, err := w.fetchResult(ctx, item, res)
	if err != nil {
		return nil, failSpan(span, err)
	}

	verdict := Evaluate(&item.Service, result.Result)
	outcome := &types.ResolveOutcome{
		OrderServiceID:   orderServiceID,
		Result:           result.Result,
		Anomalous:        verdict.Anomalous,
		RequiresApproval: !verdict.AutoApprove,
	}

	switch {
	case decision == types.DecisionReject:
		err = w.reject(ctx, item, res, userID, outcome)
	case decision == types.DecisionApprove || verdict.AutoApprove:
		err = w.approve(ctx, item, res, result.Result, userID, outcome)
	default:
		w.pendingResults[orderServiceID] = result
		outcome.Outcome = types.ResolveAwaitingApproval
		outcome.Status = item.Status
	}
	if err != nil {
		return nil, failSpan(span, err)
	}

	w.metrics.RecordResolve(string(outcome.Outcome))
	span.SetAttributes(attribute.String("outcome", string(outcome.Outcome)))
	return outcome, nil
}

// fetchResult returns the cached result for a pending decision or asks the analyzer
func (w *Workflow) fetchResult(ctx context.Context, item *types.OrderService, res *Reservation) (*types.AnalyzerServiceResult, error) {
	if cached, ok := w.pendingResults[item.ID]; ok {
		return cached, nil
	}

	resp, err := w.client.FetchResult(ctx, res.AnalyzerName)
	if err != nil {
		return nil, asDispatchError(res.AnalyzerName, err)
	}

	details := map[string]interface{}{
		"order_service_id": item.ID,
		"analyzer":         res.AnalyzerName,
	}
	if resp == nil {
		return nil, types.NewResultNotFoundError("analyzer returned no result", details)
	}
	if resp.Patient != item.OrderID {
		details["patient"] = resp.Patient
		return nil, types.NewResultNotFoundError("analyzer result belongs to another order", details)
	}
	result, ok := resp.ResultFor(item.ServiceCode)
	if !ok {
		details["service_code"] = item.ServiceCode
		return nil, types.NewResultNotFoundError("analyzer result does not contain the service", details)
	}
	return result, nil
}

func (w *Workflow) approve(ctx context.Context, item *types.OrderService, res *Reservation, result, userID string, outcome *types.ResolveOutcome) error {
	order, err := w.repo.GetOrder(ctx, item.OrderID)
	if err != nil {
		return types.NewInternalError("failed to load order", err)
	}

	now := w.now()
	orderCompleted := false
	err = w.repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		if err := tx.UpdateOrderService(ctx, item.ID, types.OrderServiceStatusCompleted, &result); err != nil {
			return err
		}
		if err := tx.AppendAnalyzerWork(ctx, &types.AnalyzerWork{
			ID:             uuid.New().String(),
			OrderServiceID: item.ID,
			AnalyzerID:     res.AnalyzerID,
			UserID:         userID,
			Action:         types.AnalyzerWorkCompleted,
			PerformedAt:    now,
		}); err != nil {
			return err
		}
		if err := tx.SetAnalyzerAvailable(ctx, res.AnalyzerID, true); err != nil {
			return err
		}

		remaining, err := tx.CountIncompleteOrderServices(ctx, item.OrderID)
		if err != nil {
			return err
		}
		if remaining > 0 || order.Completed {
			return nil
		}
		orderCompleted = true
		return tx.CompleteOrder(ctx, item.OrderID, executionTimeDays(order.CreatedAt, now), now)
	})
	if err != nil {
		w.metrics.RecordSystemError("transaction", "workflow")
		return types.NewInternalError("failed to record approval", err)
	}

	w.finish(ctx, item.ID, res)

	outcome.Outcome = types.ResolveCompleted
	outcome.Status = types.OrderServiceStatusCompleted
	outcome.OrderCompleted = orderCompleted

	w.logger.Audit(userID, "approve", "order_service:"+item.ID, true, map[string]interface{}{
		"result":    result,
		"anomalous": outcome.Anomalous,
	})
	w.publish(ctx, &types.AnalysisEvent{
		Type:           types.EventAnalysisCompleted,
		OrderServiceID: item.ID,
		OrderID:        item.OrderID,
		AnalyzerID:     res.AnalyzerID,
		UserID:         userID,
		Data:           map[string]interface{}{"result": result, "anomalous": outcome.Anomalous},
		OccurredAt:     now,
	})
	if orderCompleted {
		w.publish(ctx, &types.AnalysisEvent{
			Type:       types.EventOrderCompleted,
			OrderID:    item.OrderID,
			UserID:     userID,
			Data:       map[string]interface{}{"execution_time_days": executionTimeDays(order.CreatedAt, now)},
			OccurredAt: now,
		})
	}
	return nil
}

func (w *Workflow) reject(ctx context.Context, item *types.OrderService, res *Reservation, userID string, outcome *types.ResolveOutcome) error {
	now := w.now()
	err := w.repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		if err := tx.UpdateOrderService(ctx, item.ID, types.OrderServiceStatusPending, nil); err != nil {
			return err
		}
		return tx.SetAnalyzerAvailable(ctx, res.AnalyzerID, true)
	})
	if err != nil {
		w.metrics.RecordSystemError("transaction", "workflow")
		return types.NewInternalError("failed to record rejection", err)
	}

	w.finish(ctx, item.ID, res)

	outcome.Outcome = types.ResolveRejected
	outcome.Status = types.OrderServiceStatusPending

	w.logger.Audit(userID, "reject", "order_service:"+item.ID, true, map[string]interface{}{
		"result": outcome.Result,
	})
	w.publish(ctx, &types.AnalysisEvent{
		Type:           types.EventAnalysisRejected,
		OrderServiceID: item.ID,
		OrderID:        item.OrderID,
		AnalyzerID:     res.AnalyzerID,
		UserID:         userID,
		OccurredAt:     now,
	})
	return nil
}

// finish drops in-flight state once a resolution is committed
func (w *Workflow) finish(ctx context.Context, orderServiceID string, res *Reservation) {
	delete(w.pendingResults, orderServiceID)
	if err := w.progress.Delete(ctx, orderServiceID); err != nil {
		w.logger.WithOrderService(orderServiceID).WithError(err).Error("Failed to discard progress")
		w.metrics.RecordSystemError("progress_store", "workflow")
	}
	w.registry.Release(res)
}

// executionTimeDays is the number of whole days between creation and completion
func executionTimeDays(createdAt, completedAt time.Time) int {
	if completedAt.Before(createdAt) {
		return 0
	}
	return int(completedAt.Sub(createdAt) / (24 * time.Hour))
}

// Status returns the current view of one order service
func (w *Workflow) Status(ctx context.Context, orderServiceID string) (*types.AnalysisState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked(ctx, orderServiceID)
}

func (w *Workflow) statusLocked(ctx context.Context, orderServiceID string) (*types.AnalysisState, error) {
	item, err := w.repo.GetOrderService(ctx, orderServiceID)
	if err != nil {
		return nil, err
	}

	entry, ok, err := w.progress.Get(ctx, orderServiceID)
	if err != nil {
		return nil, types.NewInternalError("failed to read progress", err)
	}
	if !ok {
		entry = nil
	}
	return w.buildState(item, entry), nil
}

// Worklist lists order services with their progress. Without a status
// filter it returns the pending and in-progress ones.
func (w *Workflow) Worklist(ctx context.Context, filters *types.OrderServiceFilters) ([]*types.AnalysisState, error) {
	f := types.OrderServiceFilters{}
	if filters != nil {
		f = *filters
	}
	if len(f.Statuses) == 0 {
		f.Statuses = []types.OrderServiceStatus{types.OrderServiceStatusPending, types.OrderServiceStatusInProgress}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	items, err := w.repo.ListOrderServices(ctx, &f)
	if err != nil {
		return nil, err
	}
	entries, err := w.progress.List(ctx)
	if err != nil {
		return nil, types.NewInternalError("failed to list progress", err)
	}

	byID := make(map[string]*types.Progress, len(entries))
	for _, e := range entries {
		byID[e.OrderServiceID] = e
	}

	states := make([]*types.AnalysisState, 0, len(items))
	for _, item := range items {
		states = append(states, w.buildState(item, byID[item.ID]))
	}
	return states, nil
}

func (w *Workflow) buildState(item *types.OrderService, entry *types.Progress) *types.AnalysisState {
	state := &types.AnalysisState{
		OrderServiceID: item.ID,
		OrderID:        item.OrderID,
		ServiceCode:    item.ServiceCode,
		ServiceName:    item.Service.Name,
		Status:         item.Status,
		Result:         item.Result,
	}
	if entry != nil {
		percent := entry.Percent
		state.Progress = &percent
		state.Ready = entry.Ready
		state.AnalyzerID = entry.AnalyzerID
		if a, ok := w.registry.Analyzer(entry.AnalyzerID); ok {
			state.AnalyzerName = a.Name
		}
	}
	return state
}

// History returns the analyzer audit trail of an order service
func (w *Workflow) History(ctx context.Context, orderServiceID string) ([]*types.AnalyzerWork, error) {
	if _, err := w.repo.GetOrderService(ctx, orderServiceID); err != nil {
		return nil, err
	}
	return w.repo.ListAnalyzerWork(ctx, orderServiceID)
}

// Analyzers returns the registry view of every analyzer
func (w *Workflow) Analyzers() []*types.Analyzer {
	return w.registry.Snapshot()
}

// Recover rebuilds in-memory state from the datastore after a restart:
// analyzers are reloaded, every in-progress order service re-adopts the
// analyzer it was submitted to and gets a progress entry if it lost one,
// and orphaned progress entries are dropped.
func (w *Workflow) Recover(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "analysis.recover")
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	log := w.logger.WithComponent("workflow")

	analyzers, err := w.repo.ListAnalyzers(ctx)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to load analyzers: %w", err))
	}
	w.registry.Load(analyzers)

	inProgress, err := w.repo.ListOrderServices(ctx, &types.OrderServiceFilters{
		Statuses: []types.OrderServiceStatus{types.OrderServiceStatusInProgress},
	})
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to load in-progress order services: %w", err))
	}

	live := make(map[string]bool, len(inProgress))
	for _, item := range inProgress {
		live[item.ID] = true

		entry, hasEntry, err := w.progress.Get(ctx, item.ID)
		if err != nil {
			return failSpan(span, fmt.Errorf("failed to read progress: %w", err))
		}

		analyzerID, err := w.submittedAnalyzer(ctx, item.ID)
		if err != nil {
			return failSpan(span, err)
		}
		if analyzerID == 0 && hasEntry {
			analyzerID = entry.AnalyzerID
		}
		if analyzerID == 0 {
			log.WithField("order_service_id", item.ID).Warn("In-progress order service has no analyzer record")
			continue
		}

		if _, err := w.registry.Adopt(analyzerID, item.ID); err != nil {
			log.WithError(err).WithField("order_service_id", item.ID).Warn("Failed to re-adopt analyzer")
			continue
		}

		if !hasEntry {
			now := w.now()
			if err := w.progress.Put(ctx, &types.Progress{
				OrderServiceID:  item.ID,
				AnalyzerID:      analyzerID,
				ExpectedSeconds: item.Service.ExpectedDuration(),
				StartedAt:       now,
				UpdatedAt:       now,
			}); err != nil {
				return failSpan(span, fmt.Errorf("failed to restore progress: %w", err))
			}
		}
	}

	entries, err := w.progress.List(ctx)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to list progress: %w", err))
	}
	for _, e := range entries {
		if live[e.OrderServiceID] {
			continue
		}
		if err := w.progress.Delete(ctx, e.OrderServiceID); err != nil {
			return failSpan(span, fmt.Errorf("failed to drop stale progress: %w", err))
		}
	}

	// persist the reconciled availability
	snapshot := w.registry.Snapshot()
	err = w.repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		for _, a := range snapshot {
			if a.Virtual {
				continue
			}
			if err := tx.SetAnalyzerAvailable(ctx, a.ID, a.Available); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to persist analyzer availability: %w", err))
	}

	w.metrics.SetInFlight(len(live))
	log.WithFields(map[string]interface{}{
		"analyzers":   len(analyzers),
		"in_progress": len(live),
	}).Info("Workflow state recovered")
	return nil
}

// submittedAnalyzer returns the analyzer of the latest submission, or 0
func (w *Workflow) submittedAnalyzer(ctx context.Context, orderServiceID string) (int, error) {
	work, err := w.repo.ListAnalyzerWork(ctx, orderServiceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load analyzer work: %w", err)
	}
	for i := len(work) - 1; i >= 0; i-- {
		if work[i].Action == types.AnalyzerWorkSubmitted {
			return work[i].AnalyzerID, nil
		}
	}
	return 0, nil
}

func (w *Workflow) publish(ctx context.Context, event *types.AnalysisEvent) {
	if w.publisher == nil {
		return
	}
	err := w.publisher.Publish(ctx, event)
	w.metrics.RecordEvent(string(event.Type), err == nil)
	if err != nil {
		w.logger.WithError(err).WithField("event", string(event.Type)).Warn("Failed to publish analysis event")
	}
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/types"
)

// MemoryLabRepository is an in-process LabRepository used by the memory
// storage driver and by tests. Transactions run against a copy of the
// state which replaces the original only when fn succeeds.
type MemoryLabRepository struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	services      map[int]*types.Service
	analyzers     map[int]*types.Analyzer
	orders        map[string]*types.Order
	orderServices map[string]*types.OrderService
	work          []*types.AnalyzerWork
	sequence      int64
}

var _ interfaces.LabRepository = (*MemoryLabRepository)(nil)

// NewMemoryLabRepository creates a repository seeded with the given catalogue
func NewMemoryLabRepository(analyzers []*types.Analyzer, services []*types.Service) *MemoryLabRepository {
	st := &memoryState{
		services:      make(map[int]*types.Service),
		analyzers:     make(map[int]*types.Analyzer),
		orders:        make(map[string]*types.Order),
		orderServices: make(map[string]*types.OrderService),
	}
	for _, a := range analyzers {
		cp := *a
		st.analyzers[a.ID] = &cp
	}
	for _, s := range services {
		cp := *s
		st.services[s.Code] = &cp
	}
	return &MemoryLabRepository{state: st}
}

// DefaultAnalyzers mirrors the analyzers seeded by the database migrations
func DefaultAnalyzers() []*types.Analyzer {
	return []*types.Analyzer{
		{ID: 1, Name: "Ledetect", Available: true},
		{ID: 2, Name: "Biorad", Available: true},
		{ID: 3, Name: "Auto", Available: true, Virtual: true},
	}
}

// DefaultServices mirrors the service catalogue seeded by the database migrations
func DefaultServices() []*types.Service {
	return []*types.Service{
		{Code: 311, Name: "Glucose", Price: 250, ExecutionTime: 4, NormalRangeStart: "3.3", NormalRangeEnd: "5.5", AnalyzerID: 1},
		{Code: 314, Name: "Total cholesterol", Price: 300, ExecutionTime: 6, NormalRangeStart: "3.0", NormalRangeEnd: "5.2", AnalyzerID: 1},
		{Code: 415, Name: "Hemoglobin", Price: 180, ExecutionTime: 2, NormalRangeStart: "120", NormalRangeEnd: "160", AnalyzerID: 2},
		{Code: 501, Name: "Blood group", Price: 400, ExecutionTime: 10, AnalyzerID: 2},
		{Code: 619, Name: "Creatinine", Price: 320, ExecutionTime: 0, NormalRangeStart: "62", NormalRangeEnd: "115", AnalyzerID: 3},
		{Code: 620, Name: "Urinalysis", Price: 210, ExecutionTime: 8, AnalyzerID: 3},
	}
}

func (st *memoryState) clone() *memoryState {
	cp := &memoryState{
		services:      st.services,
		analyzers:     make(map[int]*types.Analyzer, len(st.analyzers)),
		orders:        make(map[string]*types.Order, len(st.orders)),
		orderServices: make(map[string]*types.OrderService, len(st.orderServices)),
		work:          append([]*types.AnalyzerWork(nil), st.work...),
		sequence:      st.sequence,
	}
	for id, a := range st.analyzers {
		v := *a
		cp.analyzers[id] = &v
	}
	for id, o := range st.orders {
		v := *o
		cp.orders[id] = &v
	}
	for id, item := range st.orderServices {
		v := *item
		cp.orderServices[id] = &v
	}
	return cp
}

func (st *memoryState) orderServiceView(item *types.OrderService) *types.OrderService {
	v := *item
	if svc, ok := st.services[item.ServiceCode]; ok {
		v.Service = *svc
	}
	if item.Result != nil {
		r := *item.Result
		v.Result = &r
	}
	return &v
}

// ListServices returns the service catalogue
func (r *MemoryLabRepository) ListServices(ctx context.Context) ([]*types.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*types.Service, 0, len(r.state.services))
	for _, s := range r.state.services {
		cp := *s
		services = append(services, &cp)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Code < services[j].Code })
	return services, nil
}

// GetServicesByCodes returns the known services among codes
func (r *MemoryLabRepository) GetServicesByCodes(ctx context.Context, codes []int) ([]*types.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int]bool)
	var services []*types.Service
	for _, code := range codes {
		s, ok := r.state.services[code]
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		cp := *s
		services = append(services, &cp)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Code < services[j].Code })
	return services, nil
}

// CreateOrder stores an order and its order services
func (r *MemoryLabRepository) CreateOrder(ctx context.Context, order *types.Order, items []*types.OrderService) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.state.orders[order.ID]; exists {
		return fmt.Errorf("failed to create order: duplicate id %s", order.ID)
	}
	for _, item := range items {
		if _, ok := r.state.services[item.ServiceCode]; !ok {
			return fmt.Errorf("failed to create order service: unknown service code %d", item.ServiceCode)
		}
	}

	r.state.sequence++
	order.Sequence = r.state.sequence

	o := *order
	r.state.orders[order.ID] = &o
	for _, item := range items {
		v := *item
		r.state.orderServices[item.ID] = &v
	}
	return nil
}

// GetOrder retrieves an order by ID
func (r *MemoryLabRepository) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.state.orders[orderID]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("order not found: %s", orderID))
	}
	cp := *o
	return &cp, nil
}

// NextOrderSequence returns the sequence the next order will get
func (r *MemoryLabRepository) NextOrderSequence(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.sequence + 1, nil
}

// GetOrderService retrieves an order service with its service definition
func (r *MemoryLabRepository) GetOrderService(ctx context.Context, id string) (*types.OrderService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.state.orderServices[id]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("order service not found: %s", id))
	}
	return r.state.orderServiceView(item), nil
}

// ListOrderServices retrieves order services based on filters
func (r *MemoryLabRepository) ListOrderServices(ctx context.Context, filters *types.OrderServiceFilters) ([]*types.OrderService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filters == nil {
		filters = &types.OrderServiceFilters{}
	}

	wanted := make(map[types.OrderServiceStatus]bool, len(filters.Statuses))
	for _, s := range filters.Statuses {
		wanted[s] = true
	}

	var items []*types.OrderService
	for _, item := range r.state.orderServices {
		if filters.OrderID != "" && item.OrderID != filters.OrderID {
			continue
		}
		if len(wanted) > 0 && !wanted[item.Status] {
			continue
		}
		items = append(items, r.state.orderServiceView(item))
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(items) {
			return nil, nil
		}
		items = items[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(items) {
		items = items[:filters.Limit]
	}
	return items, nil
}

// ListAnalyzers returns every analyzer with its persisted availability
func (r *MemoryLabRepository) ListAnalyzers(ctx context.Context) ([]*types.Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	analyzers := make([]*types.Analyzer, 0, len(r.state.analyzers))
	for _, a := range r.state.analyzers {
		cp := *a
		analyzers = append(analyzers, &cp)
	}
	sort.Slice(analyzers, func(i, j int) bool { return analyzers[i].ID < analyzers[j].ID })
	return analyzers, nil
}

// ListAnalyzerWork returns the audit trail of an order service, oldest first
func (r *MemoryLabRepository) ListAnalyzerWork(ctx context.Context, orderServiceID string) ([]*types.AnalyzerWork, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var work []*types.AnalyzerWork
	for _, w := range r.state.work {
		if w.OrderServiceID == orderServiceID {
			cp := *w
			work = append(work, &cp)
		}
	}
	return work, nil
}

// RunInTx executes fn against a copy of the state and commits it on success
func (r *MemoryLabRepository) RunInTx(ctx context.Context, fn func(tx interfaces.LabTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	working := r.state.clone()
	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) UpdateOrderService(ctx context.Context, id string, status types.OrderServiceStatus, result *string) error {
	item, ok := t.state.orderServices[id]
	if !ok {
		return types.NewNotFoundError(fmt.Sprintf("order service not found: %s", id))
	}
	item.Status = status
	item.Result = nil
	if result != nil {
		v := *result
		item.Result = &v
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) SetAnalyzerAvailable(ctx context.Context, analyzerID int, available bool) error {
	a, ok := t.state.analyzers[analyzerID]
	if !ok {
		return types.NewNotFoundError(fmt.Sprintf("analyzer not found: %d", analyzerID))
	}
	a.Available = available
	return nil
}

func (t *memoryTx) AppendAnalyzerWork(ctx context.Context, work *types.AnalyzerWork) error {
	if _, ok := t.state.orderServices[work.OrderServiceID]; !ok {
		return fmt.Errorf("failed to append analyzer work: unknown order service %s", work.OrderServiceID)
	}
	cp := *work
	t.state.work = append(t.state.work, &cp)
	return nil
}

func (t *memoryTx) CountIncompleteOrderServices(ctx context.Context, orderID string) (int, error) {
	count := 0
	for _, item := range t.state.orderServices {
		if item.OrderID == orderID && item.Status != types.OrderServiceStatusCompleted {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) CompleteOrder(ctx context.Context, orderID string, executionTimeDays int, completedAt time.Time) error {
	o, ok := t.state.orders[orderID]
	if !ok {
		return types.NewNotFoundError(fmt.Sprintf("order not found: %s", orderID))
	}
	o.Completed = true
	o.ExecutionTimeDays = executionTimeDays
	at := completedAt
	o.CompletedAt = &at
	return nil
}

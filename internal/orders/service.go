package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/types"
)

// Service implements order intake
type Service struct {
	repo     interfaces.LabRepository
	barcodes *BarcodeGenerator
	metrics  *monitoring.MetricsCollector
	logger   *logger.Logger
	now      func() time.Time
}

var _ interfaces.OrderService = (*Service)(nil)

// Option customizes the order service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBarcodeGenerator overrides the barcode generator
func WithBarcodeGenerator(g *BarcodeGenerator) Option {
	return func(s *Service) { s.barcodes = g }
}

// NewService creates the order intake service
func NewService(repo interfaces.LabRepository, metrics *monitoring.MetricsCollector, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		barcodes: NewBarcodeGenerator(),
		metrics:  metrics,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder registers an order with one pending order service per
// requested service code. Each order service gets its own tube barcode.
func (s *Service) CreateOrder(ctx context.Context, req *types.CreateOrderRequest) (*types.OrderDetails, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	codes := uniqueCodes(req.ServiceCodes)
	services, err := s.repo.GetServicesByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	if missing := missingCodes(codes, services); len(missing) > 0 {
		return nil, types.NewValidationError("unknown service codes", map[string]interface{}{
			"service_codes": missing,
		})
	}

	base := req.BiomaterialBase
	if base == 0 {
		base, err = s.repo.NextOrderSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compute biomaterial base: %w", err)
		}
	}

	byCode := make(map[int]*types.Service, len(services))
	for _, svc := range services {
		byCode[svc.Code] = svc
	}

	now := s.now()
	order := &types.Order{
		ID:        uuid.New().String(),
		PatientID: strings.TrimSpace(req.PatientID),
		CreatedAt: now,
	}

	items := make([]*types.OrderService, 0, len(codes))
	for i, code := range codes {
		svc := byCode[code]
		order.TotalPrice += svc.Price
		items = append(items, &types.OrderService{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			ServiceCode: code,
			Service:     *svc,
			Status:      types.OrderServiceStatusPending,
			Barcode:     s.barcodes.Generate(base, now),
			// keep the requested order stable when listing
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		})
	}

	if err := s.repo.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.logger.WithFields(map[string]interface{}{
		"order_id":         order.ID,
		"patient_id":       order.PatientID,
		"services":         len(items),
		"total_price":      order.TotalPrice,
		"biomaterial_base": base,
	}).Info("Order created")

	return &types.OrderDetails{Order: order, Services: items}, nil
}

// GetOrder returns an order with its order services
func (s *Service) GetOrder(ctx context.Context, orderID string) (*types.OrderDetails, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListOrderServices(ctx, &types.OrderServiceFilters{OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("failed to load order services: %w", err)
	}
	return &types.OrderDetails{Order: order, Services: items}, nil
}

// ListServices returns the service catalogue
func (s *Service) ListServices(ctx context.Context) ([]*types.Service, error) {
	return s.repo.ListServices(ctx)
}

// NextBiomaterialBase suggests the biomaterial number for the next order
func (s *Service) NextBiomaterialBase(ctx context.Context) (int64, error) {
	return s.repo.NextOrderSequence(ctx)
}

func (s *Service) validateRequest(req *types.CreateOrderRequest) error {
	if req == nil {
		return types.NewValidationError("order request is required", nil)
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return types.NewValidationError("patient_id is required", nil)
	}
	if len(req.ServiceCodes) == 0 {
		return types.NewValidationError("at least one service is required", nil)
	}
	if req.BiomaterialBase < 0 {
		return types.NewValidationError("biomaterial_base must be positive", map[string]interface{}{
			"biomaterial_base": req.BiomaterialBase,
		})
	}
	return nil
}

// uniqueCodes drops repeated codes, keeping the first occurrence
func uniqueCodes(codes []int) []int {
	seen := make(map[int]bool, len(codes))
	out := make([]int, 0, len(codes))
	for _, c := range codes {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func missingCodes(codes []int, found []*types.Service) []int {
	have := make(map[int]bool, len(found))
	for _, svc := range found {
		have[svc.Code] = true
	}
	var missing []int
	for _, c := range codes {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	sort.Ints(missing)
	return missing
}

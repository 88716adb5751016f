package orders

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/repository"
	"github.com/medrex/lab-analysis/pkg/types"
)

var intakeTime = time.Date(2026, 10, 18, 10, 15, 0, 0, time.UTC)

func newTestOrderService(t *testing.T, repo interfaces.LabRepository) (*Service, *monitoring.MetricsCollector) {
	t.Helper()
	metrics := monitoring.NewMetricsCollector("lab-analysis-test")
	svc := NewService(repo, metrics, logger.NewWithOutput("error", &bytes.Buffer{}),
		WithClock(func() time.Time { return intakeTime }),
		WithBarcodeGenerator(NewBarcodeGeneratorWithSource(rand.NewSource(7))),
	)
	return svc, metrics
}

func TestService_CreateOrder(t *testing.T) {
	repo := repository.NewMemoryLabRepository(repository.DefaultAnalyzers(), repository.DefaultServices())
	svc, metrics := newTestOrderService(t, repo)
	ctx := context.Background()

	details, err := svc.CreateOrder(ctx, &types.CreateOrderRequest{
		PatientID:    " patient-1 ",
		ServiceCodes: []int{415, 311, 415},
	})
	require.NoError(t, err)

	order := details.Order
	assert.Equal(t, "patient-1", order.PatientID)
	assert.False(t, order.Completed)
	assert.Equal(t, int64(1), order.Sequence)
	assert.Equal(t, 430.0, order.TotalPrice)

	require.Len(t, details.Services, 2)
	assert.Equal(t, 415, details.Services[0].ServiceCode)
	assert.Equal(t, 311, details.Services[1].ServiceCode)
	for _, item := range details.Services {
		assert.Equal(t, types.OrderServiceStatusPending, item.Status)
		assert.Equal(t, order.ID, item.OrderID)
		assert.True(t, strings.HasPrefix(item.Barcode, "118102026"), item.Barcode)
		assert.Len(t, item.Barcode, 1+8+6)
		assert.Nil(t, item.Result)
	}

	stored, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Services, 2)
	assert.Equal(t, details.Services[0].ID, stored.Services[0].ID)
	assert.Equal(t, "Hemoglobin", stored.Services[0].Service.Name)

	next, err := svc.NextBiomaterialBase(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	series, err := testutil.GatherAndCount(metrics.Registry(), "lab_orders_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestService_CreateOrderUsesExplicitBase(t *testing.T) {
	repo := repository.NewMemoryLabRepository(repository.DefaultAnalyzers(), repository.DefaultServices())
	svc, _ := newTestOrderService(t, repo)

	details, err := svc.CreateOrder(context.Background(), &types.CreateOrderRequest{
		PatientID:       "patient-1",
		ServiceCodes:    []int{501},
		BiomaterialBase: 4711,
	})
	require.NoError(t, err)

	info, err := DecodeBarcode(details.Services[0].Barcode)
	require.NoError(t, err)
	assert.Equal(t, int64(4711), info.Base)
	assert.True(t, info.Date.Equal(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)))
}

func TestService_CreateOrderValidation(t *testing.T) {
	repo := repository.NewMemoryLabRepository(repository.DefaultAnalyzers(), repository.DefaultServices())
	svc, _ := newTestOrderService(t, repo)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *types.CreateOrderRequest
	}{
		{"nil request", nil},
		{"missing patient", &types.CreateOrderRequest{ServiceCodes: []int{311}}},
		{"no services", &types.CreateOrderRequest{PatientID: "patient-1"}},
		{"unknown service", &types.CreateOrderRequest{PatientID: "patient-1", ServiceCodes: []int{311, 9999}}},
		{"negative base", &types.CreateOrderRequest{PatientID: "patient-1", ServiceCodes: []int{311}, BiomaterialBase: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrder(ctx, tt.req)
			assert.True(t, types.HasCode(err, types.ErrCodeInvalidInput), "got %v", err)
		})
	}

	next, err := repo.NextOrderSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next, "no order was stored")
}

func TestService_CreateOrderReportsUnknownCodes(t *testing.T) {
	repo := repository.NewMemoryLabRepository(repository.DefaultAnalyzers(), repository.DefaultServices())
	svc, _ := newTestOrderService(t, repo)

	_, err := svc.CreateOrder(context.Background(), &types.CreateOrderRequest{
		PatientID:    "patient-1",
		ServiceCodes: []int{9999, 311, 8888},
	})
	labErr, ok := types.AsLabError(err)
	require.True(t, ok)
	assert.Equal(t, []int{8888, 9999}, labErr.Details["service_codes"])
}

type failingRepo struct {
	interfaces.LabRepository
}

func (failingRepo) GetServicesByCodes(ctx context.Context, codes []int) ([]*types.Service, error) {
	return nil, errors.New("connection reset")
}

func (failingRepo) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return nil, types.NewNotFoundError("order not found: " + orderID)
}

func TestService_RepositoryErrors(t *testing.T) {
	svc, _ := newTestOrderService(t, failingRepo{})

	_, err := svc.CreateOrder(context.Background(), &types.CreateOrderRequest{PatientID: "p", ServiceCodes: []int{311}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load services")

	_, err = svc.GetOrder(context.Background(), "missing")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFound))
}

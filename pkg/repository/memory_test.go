package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/types"
)

func seededMemoryRepo(t *testing.T) *MemoryLabRepository {
	t.Helper()
	repo := NewMemoryLabRepository(DefaultAnalyzers(), DefaultServices())

	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	order := &types.Order{ID: "order-1", PatientID: "patient-1", CreatedAt: now}
	items := []*types.OrderService{
		{ID: "os-1", OrderID: "order-1", ServiceCode: 311, Status: types.OrderServiceStatusPending, CreatedAt: now, UpdatedAt: now},
		{ID: "os-2", OrderID: "order-1", ServiceCode: 415, Status: types.OrderServiceStatusPending, CreatedAt: now.Add(time.Second), UpdatedAt: now},
	}
	require.NoError(t, repo.CreateOrder(context.Background(), order, items))
	return repo
}

func TestMemoryLabRepository_CreateOrderAssignsSequence(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()

	next, err := repo.NextOrderSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	order, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.Sequence)
	assert.False(t, order.Completed)
}

func TestMemoryLabRepository_CreateOrderRejectsUnknownService(t *testing.T) {
	repo := NewMemoryLabRepository(DefaultAnalyzers(), DefaultServices())

	err := repo.CreateOrder(context.Background(),
		&types.Order{ID: "order-x"},
		[]*types.OrderService{{ID: "os-x", OrderID: "order-x", ServiceCode: 9999}})
	require.Error(t, err)

	_, err = repo.GetOrder(context.Background(), "order-x")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFound))
}

func TestMemoryLabRepository_OrderServiceCarriesServiceDefinition(t *testing.T) {
	repo := seededMemoryRepo(t)

	item, err := repo.GetOrderService(context.Background(), "os-1")
	require.NoError(t, err)
	assert.Equal(t, "Glucose", item.Service.Name)
	assert.Equal(t, "3.3", item.Service.NormalRangeStart)
}

func TestMemoryLabRepository_ListOrderServicesFilters(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()

	items, err := repo.ListOrderServices(ctx, &types.OrderServiceFilters{OrderID: "order-1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "os-1", items[0].ID)

	items, err = repo.ListOrderServices(ctx, &types.OrderServiceFilters{Statuses: []types.OrderServiceStatus{types.OrderServiceStatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = repo.ListOrderServices(ctx, &types.OrderServiceFilters{Offset: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "os-2", items[0].ID)
}

func TestMemoryLabRepository_RunInTxCommits(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()
	result := "4.1"

	err := repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		if err := tx.UpdateOrderService(ctx, "os-1", types.OrderServiceStatusCompleted, &result); err != nil {
			return err
		}
		if err := tx.SetAnalyzerAvailable(ctx, 1, false); err != nil {
			return err
		}
		return tx.AppendAnalyzerWork(ctx, &types.AnalyzerWork{ID: "w-1", OrderServiceID: "os-1", AnalyzerID: 1, Action: types.AnalyzerWorkCompleted})
	})
	require.NoError(t, err)

	item, err := repo.GetOrderService(ctx, "os-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderServiceStatusCompleted, item.Status)
	require.NotNil(t, item.Result)
	assert.Equal(t, "4.1", *item.Result)

	analyzers, err := repo.ListAnalyzers(ctx)
	require.NoError(t, err)
	assert.False(t, analyzers[0].Available)

	work, err := repo.ListAnalyzerWork(ctx, "os-1")
	require.NoError(t, err)
	assert.Len(t, work, 1)
}

func TestMemoryLabRepository_UpdateOrderServiceClearsResult(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()
	result := "12.0"

	require.NoError(t, repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		return tx.UpdateOrderService(ctx, "os-1", types.OrderServiceStatusCompleted, &result)
	}))
	require.NoError(t, repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		return tx.UpdateOrderService(ctx, "os-1", types.OrderServiceStatusPending, nil)
	}))

	item, err := repo.GetOrderService(ctx, "os-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderServiceStatusPending, item.Status)
	assert.Nil(t, item.Result)
}

func TestMemoryLabRepository_RunInTxRollsBack(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		require.NoError(t, tx.UpdateOrderService(ctx, "os-1", types.OrderServiceStatusInProgress, nil))
		require.NoError(t, tx.SetAnalyzerAvailable(ctx, 1, false))
		return boom
	})
	require.ErrorIs(t, err, boom)

	item, err := repo.GetOrderService(ctx, "os-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderServiceStatusPending, item.Status)

	analyzers, err := repo.ListAnalyzers(ctx)
	require.NoError(t, err)
	assert.True(t, analyzers[0].Available)
}

func TestMemoryLabRepository_CompleteOrder(t *testing.T) {
	repo := seededMemoryRepo(t)
	ctx := context.Background()
	done := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)

	err := repo.RunInTx(ctx, func(tx interfaces.LabTx) error {
		remaining, err := tx.CountIncompleteOrderServices(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, 2, remaining)
		return tx.CompleteOrder(ctx, "order-1", 2, done)
	})
	require.NoError(t, err)

	order, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, order.Completed)
	assert.Equal(t, 2, order.ExecutionTimeDays)
	require.NotNil(t, order.CompletedAt)
	assert.True(t, done.Equal(*order.CompletedAt))
}

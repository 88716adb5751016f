package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// LabRepository persists orders, order services and analyzers in PostgreSQL
type LabRepository struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewLabRepository creates a new PostgreSQL lab repository
func NewLabRepository(db *sql.DB, log *logger.Logger) *LabRepository {
	return &LabRepository{db: db, logger: log}
}

var _ interfaces.LabRepository = (*LabRepository)(nil)

const selectOrderService = `
	SELECT os.id, os.order_id, os.service_code, os.status, os.result, os.barcode,
		   os.created_at, os.updated_at,
		   s.code, s.name, s.price, s.execution_time, s.normal_range_start,
		   s.normal_range_end, COALESCE(s.analyzer_id, 0)
	FROM order_services os
	JOIN services s ON s.code = os.service_code`

// ListServices returns the service catalogue
func (r *LabRepository) ListServices(ctx context.Context) ([]*types.Service, error) {
	query := `
		SELECT code, name, price, execution_time, normal_range_start, normal_range_end,
			   COALESCE(analyzer_id, 0)
		FROM services
		ORDER BY code ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	return scanServices(rows)
}

// GetServicesByCodes returns the catalogue entries for the given codes
func (r *LabRepository) GetServicesByCodes(ctx context.Context, codes []int) ([]*types.Service, error) {
	query := `
		SELECT code, name, price, execution_time, normal_range_start, normal_range_end,
			   COALESCE(analyzer_id, 0)
		FROM services
		WHERE code = ANY($1)
		ORDER BY code ASC`

	codes64 := make([]int64, len(codes))
	for i, c := range codes {
		codes64[i] = int64(c)
	}

	rows, err := r.db.QueryContext(ctx, query, pq.Array(codes64))
	if err != nil {
		return nil, fmt.Errorf("failed to get services: %w", err)
	}
	defer rows.Close()

	return scanServices(rows)
}

func scanServices(rows *sql.Rows) ([]*types.Service, error) {
	var services []*types.Service
	for rows.Next() {
		s := &types.Service{}
		if err := rows.Scan(
			&s.Code,
			&s.Name,
			&s.Price,
			&s.ExecutionTime,
			&s.NormalRangeStart,
			&s.NormalRangeEnd,
			&s.AnalyzerID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}
	return services, nil
}

// CreateOrder inserts an order and its order services in one transaction.
// The order's Sequence is filled from the database.
func (r *LabRepository) CreateOrder(ctx context.Context, order *types.Order, items []*types.OrderService) error {
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (id, patient_id, completed, execution_time_days, total_price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sequence`

	err = tx.QueryRowContext(ctx, query,
		order.ID,
		order.PatientID,
		order.Completed,
		order.ExecutionTimeDays,
		order.TotalPrice,
		order.CreatedAt,
	).Scan(&order.Sequence)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_services (id, order_id, service_code, status, result, barcode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, itemQuery,
			item.ID,
			item.OrderID,
			item.ServiceCode,
			string(item.Status),
			item.Result,
			item.Barcode,
			item.CreatedAt,
			item.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to create order service: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}

	r.logger.DatabaseOperation(ctx, "insert", "orders", time.Since(start).Milliseconds(), int64(len(items)+1), true)
	return nil
}

// GetOrder retrieves an order by ID
func (r *LabRepository) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	query := `
		SELECT id, patient_id, sequence, completed, execution_time_days, total_price,
			   created_at, completed_at
		FROM orders
		WHERE id = $1`

	var order types.Order
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.PatientID,
		&order.Sequence,
		&order.Completed,
		&order.ExecutionTimeDays,
		&order.TotalPrice,
		&order.CreatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(fmt.Sprintf("order not found: %s", orderID))
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return &order, nil
}

// NextOrderSequence returns the sequence number the next order will most likely get
func (r *LabRepository) NextOrderSequence(ctx context.Context) (int64, error) {
	var next int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM orders`).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to get next order sequence: %w", err)
	}
	return next, nil
}

// GetOrderService retrieves an order service with its service definition
func (r *LabRepository) GetOrderService(ctx context.Context, id string) (*types.OrderService, error) {
	rows, err := r.db.QueryContext(ctx, selectOrderService+` WHERE os.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order service: %w", err)
	}
	defer rows.Close()

	items, err := scanOrderServices(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, types.NewNotFoundError(fmt.Sprintf("order service not found: %s", id))
	}
	return items[0], nil
}

// ListOrderServices retrieves order services based on filters
func (r *LabRepository) ListOrderServices(ctx context.Context, filters *types.OrderServiceFilters) ([]*types.OrderService, error) {
	query := selectOrderService + ` WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters == nil {
		filters = &types.OrderServiceFilters{}
	}

	if filters.OrderID != "" {
		query += fmt.Sprintf(" AND os.order_id = $%d", argIndex)
		args = append(args, filters.OrderID)
		argIndex++
	}

	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND os.status = ANY($%d)", argIndex)
		args = append(args, pq.Array(statuses))
		argIndex++
	}

	query += " ORDER BY os.created_at ASC, os.id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filters.Limit)
		argIndex++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filters.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list order services: %w", err)
	}
	defer rows.Close()

	return scanOrderServices(rows)
}

func scanOrderServices(rows *sql.Rows) ([]*types.OrderService, error) {
	var items []*types.OrderService
	for rows.Next() {
		item := &types.OrderService{}
		var status string
		var result sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ServiceCode,
			&status,
			&result,
			&item.Barcode,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.Service.Code,
			&item.Service.Name,
			&item.Service.Price,
			&item.Service.ExecutionTime,
			&item.Service.NormalRangeStart,
			&item.Service.NormalRangeEnd,
			&item.Service.AnalyzerID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order service: %w", err)
		}
		item.Status = types.OrderServiceStatus(status)
		if result.Valid {
			item.Result = &result.String
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order services: %w", err)
	}
	return items, nil
}

// ListAnalyzers returns every analyzer with its persisted availability
func (r *LabRepository) ListAnalyzers(ctx context.Context) ([]*types.Analyzer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, available, virtual FROM analyzers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzers: %w", err)
	}
	defer rows.Close()

	var analyzers []*types.Analyzer
	for rows.Next() {
		a := &types.Analyzer{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Available, &a.Virtual); err != nil {
			return nil, fmt.Errorf("failed to scan analyzer: %w", err)
		}
		analyzers = append(analyzers, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyzers: %w", err)
	}
	return analyzers, nil
}

// ListAnalyzerWork returns the audit trail of an order service, oldest first
func (r *LabRepository) ListAnalyzerWork(ctx context.Context, orderServiceID string) ([]*types.AnalyzerWork, error) {
	query := `
		SELECT id, order_service_id, analyzer_id, user_id, action, performed_at
		FROM analyzer_work
		WHERE order_service_id = $1
		ORDER BY performed_at ASC`

	rows, err := r.db.QueryContext(ctx, query, orderServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzer work: %w", err)
	}
	defer rows.Close()

	var work []*types.AnalyzerWork
	for rows.Next() {
		w := &types.AnalyzerWork{}
		var action string
		if err := rows.Scan(&w.ID, &w.OrderServiceID, &w.AnalyzerID, &w.UserID, &action, &w.PerformedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analyzer work: %w", err)
		}
		w.Action = types.AnalyzerWorkAction(action)
		work = append(work, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyzer work: %w", err)
	}
	return work, nil
}

// RunInTx executes fn inside a database transaction
func (r *LabRepository) RunInTx(ctx context.Context, fn func(tx interfaces.LabTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&labTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.WithError(rbErr).Error("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type labTx struct {
	q querier
}

func (t *labTx) UpdateOrderService(ctx context.Context, id string, status types.OrderServiceStatus, result *string) error {
	query := `
		UPDATE order_services
		SET status = $2, result = $3, updated_at = NOW()
		WHERE id = $1`

	res, err := t.q.ExecContext(ctx, query, id, string(status), result)
	if err != nil {
		return fmt.Errorf("failed to update order service: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("order service not found: %s", id))
}

func (t *labTx) SetAnalyzerAvailable(ctx context.Context, analyzerID int, available bool) error {
	res, err := t.q.ExecContext(ctx, `UPDATE analyzers SET available = $2 WHERE id = $1`, analyzerID, available)
	if err != nil {
		return fmt.Errorf("failed to update analyzer: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("analyzer not found: %d", analyzerID))
}

func (t *labTx) AppendAnalyzerWork(ctx context.Context, work *types.AnalyzerWork) error {
	query := `
		INSERT INTO analyzer_work (id, order_service_id, analyzer_id, user_id, action, performed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := t.q.ExecContext(ctx, query,
		work.ID,
		work.OrderServiceID,
		work.AnalyzerID,
		work.UserID,
		string(work.Action),
		work.PerformedAt,
	); err != nil {
		return fmt.Errorf("failed to append analyzer work: %w", err)
	}
	return nil
}

func (t *labTx) CountIncompleteOrderServices(ctx context.Context, orderID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM order_services WHERE order_id = $1 AND status <> 'completed'`
	if err := t.q.QueryRowContext(ctx, query, orderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count incomplete order services: %w", err)
	}
	return count, nil
}

func (t *labTx) CompleteOrder(ctx context.Context, orderID string, executionTimeDays int, completedAt time.Time) error {
	query := `
		UPDATE orders
		SET completed = TRUE, execution_time_days = $2, completed_at = $3
		WHERE id = $1`

	res, err := t.q.ExecContext(ctx, query, orderID, executionTimeDays, completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("order not found: %s", orderID))
}

func expectOneRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError(notFound)
	}
	return nil
}

package types

import (
	"strconv"
	"strings"
	"time"
)

// OrderServiceStatus represents the analysis state of a single ordered test
type OrderServiceStatus string

const (
	OrderServiceStatusPending    OrderServiceStatus = "pending"
	OrderServiceStatusInProgress OrderServiceStatus = "in_progress"
	OrderServiceStatusCompleted  OrderServiceStatus = "completed"
)

// Valid reports whether s is one of the known statuses
func (s OrderServiceStatus) Valid() bool {
	switch s {
	case OrderServiceStatusPending, OrderServiceStatusInProgress, OrderServiceStatusCompleted:
		return true
	}
	return false
}

// DefaultExecutionTime is used when a service has no positive execution time
const DefaultExecutionTime = 30

// ExecutionTimeFactor stretches the nominal execution time into the expected analysis duration
const ExecutionTimeFactor = 5

// Service is a lab test definition from the catalogue
type Service struct {
	Code             int     `json:"code" db:"code"`
	Name             string  `json:"name" db:"name"`
	Price            float64 `json:"price" db:"price"`
	ExecutionTime    int     `json:"execution_time" db:"execution_time"`
	NormalRangeStart string  `json:"normal_range_start,omitempty" db:"normal_range_start"`
	NormalRangeEnd   string  `json:"normal_range_end,omitempty" db:"normal_range_end"`
	AnalyzerID       int     `json:"analyzer_id,omitempty" db:"analyzer_id"`
}

// EffectiveExecutionTime returns the execution time with the default applied
func (s *Service) EffectiveExecutionTime() int {
	if s.ExecutionTime > 0 {
		return s.ExecutionTime
	}
	return DefaultExecutionTime
}

// ExpectedDuration is the number of seconds a full analysis is expected to take
func (s *Service) ExpectedDuration() float64 {
	return float64(ExecutionTimeFactor * s.EffectiveExecutionTime())
}

// NormalRange parses the configured normal range bounds.
// ok is false unless both bounds are numeric.
func (s *Service) NormalRange() (lo, hi float64, ok bool) {
	lo, err := parseDecimal(s.NormalRangeStart)
	if err != nil {
		return 0, 0, false
	}
	hi, err = parseDecimal(s.NormalRangeEnd)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

func parseDecimal(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
}

// OrderService is one billable lab test inside an order
type OrderService struct {
	ID          string             `json:"id" db:"id"`
	OrderID     string             `json:"order_id" db:"order_id"`
	ServiceCode int                `json:"service_code" db:"service_code"`
	Service     Service            `json:"service"`
	Status      OrderServiceStatus `json:"status" db:"status"`
	Result      *string            `json:"result,omitempty" db:"result"`
	Barcode     string             `json:"barcode" db:"barcode"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// Order groups the order services requested for a patient
type Order struct {
	ID                string     `json:"id" db:"id"`
	PatientID         string     `json:"patient_id" db:"patient_id"`
	Sequence          int64      `json:"sequence" db:"sequence"`
	Completed         bool       `json:"completed" db:"completed"`
	ExecutionTimeDays int        `json:"execution_time_days" db:"execution_time_days"`
	TotalPrice        float64    `json:"total_price" db:"total_price"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Analyzer is a lab device, or a virtual class routed to a pool of devices
type Analyzer struct {
	ID        int    `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Available bool   `json:"available" db:"available"`
	Virtual   bool   `json:"virtual" db:"virtual"`
	// HeldBy is the order service currently holding the analyzer
	HeldBy string `json:"held_by,omitempty" db:"-"`
}

// AnalyzerWorkAction records what happened in an audit entry
type AnalyzerWorkAction string

const (
	AnalyzerWorkSubmitted AnalyzerWorkAction = "submitted"
	AnalyzerWorkCompleted AnalyzerWorkAction = "completed"
)

// AnalyzerWork is an append-only audit record of analyzer usage
type AnalyzerWork struct {
	ID             string             `json:"id" db:"id"`
	OrderServiceID string             `json:"order_service_id" db:"order_service_id"`
	AnalyzerID     int                `json:"analyzer_id" db:"analyzer_id"`
	UserID         string             `json:"user_id" db:"user_id"`
	Action         AnalyzerWorkAction `json:"action" db:"action"`
	PerformedAt    time.Time          `json:"performed_at" db:"performed_at"`
}

// Progress tracks completion of an in-flight order service
type Progress struct {
	OrderServiceID string  `json:"order_service_id"`
	AnalyzerID     int     `json:"analyzer_id"`
	Percent        float64 `json:"percent"`
	Ready          bool    `json:"ready"`
	// ExpectedSeconds is the analysis duration that maps to 100 percent
	ExpectedSeconds float64   `json:"expected_seconds"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderServiceFilters narrows order service listings
type OrderServiceFilters struct {
	OrderID  string               `json:"order_id,omitempty"`
	Statuses []OrderServiceStatus `json:"statuses,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// AnalysisState is the read-only view of an order service exposed to callers
type AnalysisState struct {
	OrderServiceID string             `json:"order_service_id"`
	OrderID        string             `json:"order_id"`
	ServiceCode    int                `json:"service_code"`
	ServiceName    string             `json:"service_name"`
	Status         OrderServiceStatus `json:"status"`
	Result         *string            `json:"result,omitempty"`
	Progress       *float64           `json:"progress,omitempty"`
	Ready          bool               `json:"ready"`
	AnalyzerID     int                `json:"analyzer_id,omitempty"`
	AnalyzerName   string             `json:"analyzer_name,omitempty"`
}

// Decision is the human confirmation supplied when resolving a result
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision
func (d Decision) Valid() bool {
	switch d {
	case DecisionNone, DecisionApprove, DecisionReject:
		return true
	}
	return false
}

// ResolveStatus summarises what Resolve did
type ResolveStatus string

const (
	ResolveCompleted        ResolveStatus = "completed"
	ResolveRejected         ResolveStatus = "rejected"
	ResolveAwaitingApproval ResolveStatus = "awaiting_approval"
)

// ResolveOutcome is returned to the caller of Resolve
type ResolveOutcome struct {
	OrderServiceID   string             `json:"order_service_id"`
	Outcome          ResolveStatus      `json:"outcome"`
	Status           OrderServiceStatus `json:"status"`
	Result           string             `json:"result"`
	Anomalous        bool               `json:"anomalous"`
	RequiresApproval bool               `json:"requires_approval"`
	OrderCompleted   bool               `json:"order_completed"`
}

// CreateOrderRequest is the intake payload for a new lab order
type CreateOrderRequest struct {
	PatientID       string `json:"patient_id"`
	ServiceCodes    []int  `json:"service_codes"`
	BiomaterialBase int64  `json:"biomaterial_base,omitempty"`
}

// OrderDetails is an order together with its order services
type OrderDetails struct {
	Order    *Order          `json:"order"`
	Services []*OrderService `json:"services"`
}

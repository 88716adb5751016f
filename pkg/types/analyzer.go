package types

import "time"

// AnalyzerServiceRequest names one service code sent to an analyzer
type AnalyzerServiceRequest struct {
	ServiceCode int `json:"serviceCode"`
}

// AnalyzerRequest is the body posted to /api/analyzer/{name}
type AnalyzerRequest struct {
	Patient  string                   `json:"patient"`
	Services []AnalyzerServiceRequest `json:"services"`
}

// AnalyzerServiceResult is one measured value returned by an analyzer
type AnalyzerServiceResult struct {
	ServiceCode int    `json:"serviceCode"`
	Result      string `json:"result"`
}

// AnalyzerResponse is the body returned by GET /api/analyzer/{name}.
// Patient carries the order ID the analysis was submitted for.
type AnalyzerResponse struct {
	Patient  string                  `json:"patient"`
	Services []AnalyzerServiceResult `json:"services"`
}

// ResultFor returns the result for the given service code
func (r *AnalyzerResponse) ResultFor(serviceCode int) (*AnalyzerServiceResult, bool) {
	for i := range r.Services {
		if r.Services[i].ServiceCode == serviceCode {
			return &r.Services[i], true
		}
	}
	return nil, false
}

// EventType names an analysis lifecycle event
type EventType string

const (
	EventAnalysisSubmitted EventType = "analysis.submitted"
	EventAnalysisReady     EventType = "analysis.ready"
	EventAnalysisCompleted EventType = "analysis.completed"
	EventAnalysisRejected  EventType = "analysis.rejected"
	EventOrderCompleted    EventType = "order.completed"
)

// AnalysisEvent is published whenever an order service changes state
type AnalysisEvent struct {
	Type           EventType              `json:"type"`
	OrderServiceID string                 `json:"order_service_id,omitempty"`
	OrderID        string                 `json:"order_id"`
	AnalyzerID     int                    `json:"analyzer_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

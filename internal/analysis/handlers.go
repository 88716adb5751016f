package analysis

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/medrex/lab-analysis/internal/orders"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/types"
)

// setupRoutes configures HTTP routes for the lab analysis service
func (s *Service) setupRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	// Order service workflow
	api.HandleFunc("/order-services", s.worklistHandler).Methods("GET")
	api.HandleFunc("/order-services/{id}", s.statusHandler).Methods("GET")
	api.HandleFunc("/order-services/{id}/submit", s.submitHandler).Methods("POST")
	api.HandleFunc("/order-services/{id}/advance", s.advanceHandler).Methods("POST")
	api.HandleFunc("/order-services/{id}/resolve", s.resolveHandler).Methods("POST")
	api.HandleFunc("/order-services/{id}/work", s.historyHandler).Methods("GET")
	api.HandleFunc("/progress/tick", s.tickHandler).Methods("POST")

	// Analyzers
	api.HandleFunc("/analyzers", s.analyzersHandler).Methods("GET")

	// Order intake
	api.HandleFunc("/orders", s.createOrderHandler).Methods("POST")
	api.HandleFunc("/orders/{id}", s.getOrderHandler).Methods("GET")
	api.HandleFunc("/services", s.listServicesHandler).Methods("GET")
	api.HandleFunc("/biomaterial/next", s.nextBiomaterialHandler).Methods("GET")
	api.HandleFunc("/barcodes/{code}", s.decodeBarcodeHandler).Methods("GET")

	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")

	s.logger.WithComponent("http").Debug("Lab analysis routes configured")
}

type elapsedRequest struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type resolveRequest struct {
	Decision types.Decision `json:"decision"`
}

// worklistHandler lists order services with their progress
func (s *Service) worklistHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := s.parseOrderServiceFilters(r)
	if err != nil {
		s.writeError(w, r, "Invalid filters", err)
		return
	}

	states, err := s.workflow.Worklist(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, "Failed to list order services", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, states)
}

// statusHandler returns one order service with its progress
func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	state, err := s.workflow.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Order service not found", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, state)
}

// submitHandler dispatches an order service to its analyzer
func (s *Service) submitHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := s.getUserIDFromRequest(r)

	state, err := s.workflow.Submit(r.Context(), id, userID)
	if err != nil {
		s.writeError(w, r, "Failed to submit order service", err)
		return
	}

	s.writeJSONResponse(w, http.StatusAccepted, state)
}

// advanceHandler moves one order service's progress forward
func (s *Service) advanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	elapsed, err := decodeElapsed(r)
	if err != nil {
		s.writeError(w, r, "Invalid request body", err)
		return
	}

	state, err := s.workflow.Advance(r.Context(), id, elapsed)
	if err != nil {
		s.writeError(w, r, "Failed to advance progress", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, state)
}

// resolveHandler completes, rejects or parks a ready order service
func (s *Service) resolveHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, "Invalid request body", types.NewValidationError("malformed JSON body", nil))
			return
		}
	}

	userID := s.getUserIDFromRequest(r)
	outcome, err := s.workflow.Resolve(r.Context(), id, req.Decision, userID)
	if err != nil {
		s.writeError(w, r, "Failed to resolve order service", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, outcome)
}

// historyHandler lists the analyzer audit trail
func (s *Service) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	work, err := s.workflow.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Failed to load analyzer work", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, work)
}

// tickHandler advances every in-flight analysis at once
func (s *Service) tickHandler(w http.ResponseWriter, r *http.Request) {
	elapsed, err := decodeElapsed(r)
	if err != nil {
		s.writeError(w, r, "Invalid request body", err)
		return
	}

	if err := s.workflow.AdvanceAll(r.Context(), elapsed); err != nil {
		s.writeError(w, r, "Progress tick failed", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":         "Progress advanced",
		"elapsed_seconds": elapsed.Seconds(),
	})
}

// analyzersHandler returns every analyzer with its availability
func (s *Service) analyzersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.workflow.Analyzers())
}

// createOrderHandler handles order intake
func (s *Service) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req types.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "Invalid request body", types.NewValidationError("malformed JSON body", nil))
		return
	}

	details, err := s.orders.CreateOrder(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, "Failed to create order", err)
		return
	}

	s.logger.Audit(s.getUserIDFromRequest(r), "create_order", "order:"+details.Order.ID, true, map[string]interface{}{
		"services": len(details.Services),
	})
	s.writeJSONResponse(w, http.StatusCreated, details)
}

// getOrderHandler returns an order with its order services
func (s *Service) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	details, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Order not found", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, details)
}

// listServicesHandler returns the service catalogue
func (s *Service) listServicesHandler(w http.ResponseWriter, r *http.Request) {
	services, err := s.orders.ListServices(r.Context())
	if err != nil {
		s.writeError(w, r, "Failed to list services", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, services)
}

// nextBiomaterialHandler suggests the biomaterial number for the next order
func (s *Service) nextBiomaterialHandler(w http.ResponseWriter, r *http.Request) {
	base, err := s.orders.NextBiomaterialBase(r.Context())
	if err != nil {
		s.writeError(w, r, "Failed to compute biomaterial number", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]int64{"biomaterial_base": base})
}

// decodeBarcodeHandler splits a tube barcode into its parts
func (s *Service) decodeBarcodeHandler(w http.ResponseWriter, r *http.Request) {
	info, err := orders.DecodeBarcode(mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, r, "Invalid barcode", types.NewValidationError(err.Error(), nil))
		return
	}

	s.writeJSONResponse(w, http.StatusOK, info)
}

// healthCheckHandler handles the lightweight liveness check
func (s *Service) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"service":   "lab-analysis",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSONResponse(w, http.StatusOK, response)
}

// Helper methods

// getUserIDFromRequest extracts the acting user from the request
func (s *Service) getUserIDFromRequest(r *http.Request) string {
	if userID, ok := r.Context().Value(logger.UserIDKey).(string); ok && userID != "" {
		return userID
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}
	return userID
}

// parseOrderServiceFilters parses query parameters into order service filters.
// status accepts a comma separated list.
func (s *Service) parseOrderServiceFilters(r *http.Request) (*types.OrderServiceFilters, error) {
	query := r.URL.Query()
	filters := &types.OrderServiceFilters{
		OrderID: query.Get("order_id"),
	}

	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := types.OrderServiceStatus(strings.TrimSpace(part))
			if !status.Valid() {
				return nil, types.NewValidationError("unknown status", map[string]interface{}{"status": string(status)})
			}
			filters.Statuses = append(filters.Statuses, status)
		}
	}

	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, types.NewValidationError("limit must be a non-negative integer", nil)
		}
		filters.Limit = n
	}

	if offset := query.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return nil, types.NewValidationError("offset must be a non-negative integer", nil)
		}
		filters.Offset = n
	}

	return filters, nil
}

func decodeElapsed(r *http.Request) (time.Duration, error) {
	var req elapsedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, types.NewValidationError("malformed JSON body", nil)
	}
	if req.ElapsedSeconds < 0 {
		return 0, types.NewValidationError("elapsed_seconds must not be negative", map[string]interface{}{
			"elapsed_seconds": req.ElapsedSeconds,
		})
	}
	if req.ElapsedSeconds >= maxElapsedSeconds {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(req.ElapsedSeconds * float64(time.Second)), nil
}

// maxElapsedSeconds is the largest elapsed time a time.Duration can hold
const maxElapsedSeconds = float64(math.MaxInt64 / int64(time.Second))

// statusForError maps a lab error code to an HTTP status
func statusForError(err error) int {
	labErr, ok := types.AsLabError(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch labErr.Code {
	case types.ErrCodeInvalidTransition, types.ErrCodeNoAnalyzerAvailable:
		return http.StatusConflict
	case types.ErrCodeDispatchFailed:
		return http.StatusBadGateway
	case types.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCodeResultNotFound, types.ErrCodeNotFound:
		return http.StatusNotFound
	case types.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes a JSON response
func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response with the status derived from err
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	statusCode := statusForError(err)

	response := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	entry := s.logger.WithContext(r.Context()).WithError(err).WithField("status", statusCode)
	if traceID := s.tracing.TraceIDFromContext(r.Context()); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
		response["trace_id"] = traceID
	}
	if statusCode >= http.StatusInternalServerError {
		if err != nil {
			s.tracing.RecordError(trace.SpanFromContext(r.Context()), err)
		}
		entry.Error(message)
	} else {
		entry.Warn(message)
	}

	var labErr *types.LabError
	if errors.As(err, &labErr) {
		response["code"] = labErr.Code
		response["details"] = labErr.Message
		if len(labErr.Details) > 0 {
			response["context"] = labErr.Details
		}
	} else if err != nil {
		response["details"] = err.Error()
	}

	s.writeJSONResponse(w, statusCode, response)
}

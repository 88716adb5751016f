package analysis

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/config"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/types"
)

func TestMiddleware_PreflightAndSecurityHeaders(t *testing.T) {
	wf := new(MockAnalysisWorkflow)
	_, h := newTestService(t, wf, new(MockOrderService))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/order-services/os-1/submit", nil)
	req.Header.Set("Origin", "http://lab.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")

	wf.On("Analyzers").Return([]*types.Analyzer{}).Once()
	rec = doRequest(h, http.MethodGet, "/api/v1/analyzers", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMiddleware_RestrictedOrigins(t *testing.T) {
	svc, err := NewService(&config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"http://lab.local"}}}, Dependencies{
		Workflow: new(MockAnalysisWorkflow),
		Orders:   new(MockOrderService),
		Metrics:  monitoring.NewMetricsCollector("lab-analysis-test"),
	}, logger.NewWithOutput("error", &bytes.Buffer{}))
	require.NoError(t, err)
	h := svc.Router()

	rec := doRequest(h, http.MethodOptions, "/api/v1/orders", "", map[string]string{"Origin": "http://LAB.local"})
	assert.Equal(t, "http://LAB.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = doRequest(h, http.MethodOptions, "/api/v1/orders", "", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RecoversFromPanics(t *testing.T) {
	svc, _ := newTestService(t, new(MockAnalysisWorkflow), new(MockOrderService))

	router := mux.NewRouter()
	router.Use(svc.recoveryMiddleware)
	router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := doRequest(router, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, types.ErrCodeInternalError, decodeBody(t, rec)["code"])
}

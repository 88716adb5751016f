package analyzer

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/repository"
	"github.com/medrex/lab-analysis/pkg/types"
)

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSimulator_JobLifecycle(t *testing.T) {
	sim := NewSimulator(repository.DefaultServices(), logger.NewWithOutput("error", &bytes.Buffer{}),
		WithAnalyzers("Ledetect"),
		WithResultGenerator(func(code int) string { return strconv.Itoa(code) }))
	h := sim.Router()

	rec := serve(h, http.MethodGet, "/api/analyzer/Ledetect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := `{"patient":"order-1","services":[{"serviceCode":311},{"serviceCode":314}]}`
	rec = serve(h, http.MethodPost, "/api/analyzer/Ledetect", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/api/analyzer/Ledetect", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodPost, "/api/analyzer/Unknown", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodGet, "/api/analyzer/Ledetect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.AnalyzerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "order-1", resp.Patient)
	assert.Equal(t, []types.AnalyzerServiceResult{
		{ServiceCode: 311, Result: "311"},
		{ServiceCode: 314, Result: "314"},
	}, resp.Services)

	rec = serve(h, http.MethodGet, "/api/analyzer/Ledetect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSimulator_RejectsBadRequests(t *testing.T) {
	h := NewSimulator(nil, logger.NewWithOutput("error", &bytes.Buffer{})).Router()

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/analyzer/Biorad", "{").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/analyzer/Biorad", `{"patient":"order-1"}`).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", "").Code)
}

func TestCatalogueGenerator(t *testing.T) {
	catalogue := repository.DefaultServices()

	normal := CatalogueGenerator(catalogue, rand.New(rand.NewSource(1)), 0)
	for i := 0; i < 50; i++ {
		v, err := strconv.ParseFloat(normal(415), 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, 119.95)
		assert.LessOrEqual(t, v, 160.05)
	}

	anomalous := CatalogueGenerator(catalogue, rand.New(rand.NewSource(1)), 1)
	for i := 0; i < 50; i++ {
		v, err := strconv.ParseFloat(anomalous(311), 64)
		require.NoError(t, err)
		assert.Greater(t, v, 5.5)
	}

	_, err := strconv.ParseFloat(normal(501), 64)
	assert.NoError(t, err, "services without a range still get a number")
}

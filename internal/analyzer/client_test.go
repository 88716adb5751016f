package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler, timeout time.Duration) (*Client, *monitoring.MetricsCollector) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := monitoring.NewMetricsCollector("lab-analysis-test")
	client := NewClient(ClientConfig{BaseURL: srv.URL + "/", Timeout: timeout}, metrics, logger.NewWithOutput("error", &bytes.Buffer{}))
	return client, metrics
}

func TestClient_SubmitPostsJSON(t *testing.T) {
	var got types.AnalyzerRequest
	var path, contentType string
	client, metrics := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}), time.Second)

	err := client.Submit(context.Background(), "Ledetect", &types.AnalyzerRequest{
		Patient:  "order-1",
		Services: []types.AnalyzerServiceRequest{{ServiceCode: 311}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/analyzer/Ledetect", path)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "order-1", got.Patient)
	assert.Equal(t, 311, got.Services[0].ServiceCode)
	series, err := testutil.GatherAndCount(metrics.Registry(), "lab_analyzer_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestClient_SubmitNon2xxIsDispatchError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}), time.Second)

	err := client.Submit(context.Background(), "Ledetect", &types.AnalyzerRequest{Patient: "order-1"})
	assert.True(t, types.HasCode(err, types.ErrCodeDispatchFailed))
}

func TestClient_SubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}, nil, logger.NewWithOutput("error", &bytes.Buffer{}))
	err := client.Submit(context.Background(), "Ledetect", &types.AnalyzerRequest{Patient: "order-1"})
	assert.True(t, types.HasCode(err, types.ErrCodeDispatchFailed))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 50*time.Millisecond)
	defer close(release)

	err := client.Submit(context.Background(), "Ledetect", &types.AnalyzerRequest{Patient: "order-1"})
	assert.True(t, types.HasCode(err, types.ErrCodeTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.FetchResult(ctx, "Ledetect")
	assert.True(t, types.HasCode(err, types.ErrCodeTimeout))
}

func TestClient_FetchResult(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		patient string
	}{
		{name: "ok", status: http.StatusOK, body: `{"patient":"order-1","services":[{"serviceCode":311,"result":"4,8"}]}`, patient: "order-1"},
		{name: "idle analyzer", status: http.StatusNotFound, code: types.ErrCodeResultNotFound},
		{name: "empty body", status: http.StatusOK, body: "  ", code: types.ErrCodeResultNotFound},
		{name: "server error", status: http.StatusInternalServerError, code: types.ErrCodeDispatchFailed},
		{name: "garbage", status: http.StatusOK, body: "<html>", code: types.ErrCodeDispatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}), time.Second)

			resp, err := client.FetchResult(context.Background(), "Biorad")
			if tt.code != "" {
				assert.True(t, types.HasCode(err, tt.code), "got %v", err)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.patient, resp.Patient)
			result, ok := resp.ResultFor(311)
			require.True(t, ok)
			assert.Equal(t, "4,8", result.Result)
		})
	}
}

func TestClient_AgainstSimulator(t *testing.T) {
	sim := NewSimulator(nil, logger.NewWithOutput("error", &bytes.Buffer{}),
		WithAnalyzers("Ledetect", "Biorad"),
		WithResultGenerator(func(code int) string { return "5.1" }))
	client, _ := newTestClient(t, sim.Router(), time.Second)
	ctx := context.Background()

	req := &types.AnalyzerRequest{Patient: "order-9", Services: []types.AnalyzerServiceRequest{{ServiceCode: 311}}}
	require.NoError(t, client.Submit(ctx, "Ledetect", req))

	err := client.Submit(ctx, "Ledetect", req)
	assert.True(t, types.HasCode(err, types.ErrCodeDispatchFailed), "busy analyzer")

	resp, err := client.FetchResult(ctx, "Ledetect")
	require.NoError(t, err)
	assert.Equal(t, "order-9", resp.Patient)
	assert.Equal(t, []types.AnalyzerServiceResult{{ServiceCode: 311, Result: "5.1"}}, resp.Services)

	_, err = client.FetchResult(ctx, "Ledetect")
	assert.True(t, types.HasCode(err, types.ErrCodeResultNotFound))
}

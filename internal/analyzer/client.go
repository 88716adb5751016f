package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/monitoring"
	"github.com/medrex/lab-analysis/pkg/types"
)

// ClientConfig configures the analyzer HTTP client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks JSON over HTTP to {base}/api/analyzer/{name}.
// Requests are not retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *monitoring.MetricsCollector
	logger     *logger.Logger
}

var _ interfaces.AnalyzerClient = (*Client)(nil)

// NewClient creates an analyzer client with a traced transport
func NewClient(cfg ClientConfig, metrics *monitoring.MetricsCollector, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := otelhttp.NewTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		metrics: metrics,
		logger:  log,
	}
}

func (c *Client) endpoint(analyzerName string) string {
	return c.baseURL + "/api/analyzer/" + url.PathEscape(analyzerName)
}

// Submit posts a job to the named analyzer
func (c *Client) Submit(ctx context.Context, analyzerName string, req *types.AnalyzerRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.NewInternalError("failed to encode analyzer request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(analyzerName), bytes.NewReader(body))
	if err != nil {
		return types.NewDispatchError(analyzerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, analyzerName, httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewDispatchError(analyzerName, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// FetchResult reads the finished job of the named analyzer
func (c *Client) FetchResult(ctx context.Context, analyzerName string) (*types.AnalyzerResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(analyzerName), nil)
	if err != nil {
		return nil, types.NewDispatchError(analyzerName, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, analyzerName, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	details := map[string]interface{}{"analyzer": analyzerName}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, types.NewResultNotFoundError("analyzer has no result", details)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewDispatchError(analyzerName, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(analyzerName, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, types.NewResultNotFoundError("analyzer returned an empty body", details)
	}

	var result types.AnalyzerResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, types.NewDispatchError(analyzerName, fmt.Errorf("failed to decode result: %w", err))
	}
	return &result, nil
}

// do executes the request and records the call
func (c *Client) do(ctx context.Context, analyzerName string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if c.metrics != nil {
		c.metrics.RecordAnalyzerRequest(analyzerName, req.Method, status, duration)
	}
	c.logger.AnalyzerCall(ctx, analyzerName, req.Method, status, duration.Milliseconds(), err)

	if err != nil {
		return nil, c.classify(analyzerName, err)
	}
	return resp, nil
}

func (c *Client) classify(analyzerName string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewTimeoutError(analyzerName, err)
	}
	return types.NewDispatchError(analyzerName, err)
}

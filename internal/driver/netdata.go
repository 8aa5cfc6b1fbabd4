package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Netdata exposes per-chart time series; each chart becomes one
// capability keyed by the chart id.
type Netdata struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewNetdata creates a Netdata driver.
func NewNetdata(creds Credentials, client *http.Client) *Netdata {
	return &Netdata{
		baseURL: strings.TrimRight(creds.URL, "/"),
		apiKey:  creds.APIKey,
		client:  client,
	}
}

func (n *Netdata) Type() model.IntegrationType { return model.TypeNetdata }

func (n *Netdata) TestConnection(ctx context.Context) TestResult {
	charts, err := n.fetchCharts(ctx)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("charts endpoint unreachable: %v", err)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected, %d charts available", len(charts))}
}

func (n *Netdata) Capabilities(ctx context.Context) []model.Capability {
	charts, err := n.fetchCharts(ctx)
	if err != nil {
		slog.Warn("netdata capability fetch failed, using static set", "error", err)
		return netdataFallbackCapabilities()
	}

	caps := make([]model.Capability, 0, len(charts))
	for id, c := range charts {
		caps = append(caps, model.Capability{
			Key:         id,
			Target:      c.Family,
			Metric:      c.Context,
			DisplayName: c.Title,
			Unit:        c.Units,
			Category:    netdataCategory(id),
			Description: c.Title,
		})
	}
	return caps
}

// FetchMetric queries a single latest point for the chart. A chart the
// agent does not know returns (nil, nil).
func (n *Netdata) FetchMetric(ctx context.Context, key string) (*model.MetricValue, error) {
	endpoint := fmt.Sprintf("%s/api/v1/data?chart=%s&after=-60&points=1&group=average&format=json",
		n.baseURL, url.QueryEscape(key))

	body, status, err := n.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil // unknown chart
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body), Endpoint: "/api/v1/data"}
	}

	var data struct {
		Labels []string        `json:"labels"`
		Data   [][]json.Number `json:"data"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parsing data for chart %s: %w", key, err)
	}
	if len(data.Data) == 0 || len(data.Data[0]) < 2 {
		return nil, nil
	}

	// First column is the timestamp; the dimensions are stacked, so
	// their sum is the chart total.
	row := data.Data[0]
	var sum float64
	for _, cell := range row[1:] {
		v, err := cell.Float64()
		if err != nil {
			continue
		}
		sum += v
	}

	ts := time.Now()
	if epoch, err := row[0].Int64(); err == nil {
		ts = time.Unix(epoch, 0)
	}

	meta := make(map[string]string, 1)
	if len(data.Labels) > 1 {
		meta["dimensions"] = strings.Join(data.Labels[1:], ",")
	}
	return &model.MetricValue{Key: key, Value: sum, Timestamp: ts, Metadata: meta}, nil
}

type netdataChart struct {
	Title   string `json:"title"`
	Units   string `json:"units"`
	Family  string `json:"family"`
	Context string `json:"context"`
}

func (n *Netdata) fetchCharts(ctx context.Context) (map[string]netdataChart, error) {
	body, status, err := n.get(ctx, n.baseURL+"/api/v1/charts")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body), Endpoint: "/api/v1/charts"}
	}

	var resp struct {
		Charts map[string]netdataChart `json:"charts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing charts response: %w", err)
	}
	return resp.Charts, nil
}

func (n *Netdata) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, 0, NewRetryableError(fmt.Errorf("requesting %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func netdataCategory(chartID string) string {
	switch {
	case strings.HasPrefix(chartID, "system.net") || strings.HasPrefix(chartID, "net."):
		return model.CategoryNetwork
	case strings.HasPrefix(chartID, "disk") || strings.HasPrefix(chartID, "system.") || strings.HasPrefix(chartID, "mem."):
		return model.CategoryPerformance
	default:
		return model.CategoryHealth
	}
}

func netdataFallbackCapabilities() []model.Capability {
	return []model.Capability{
		{Key: "system.cpu", Metric: "system.cpu", DisplayName: "CPU Usage", Unit: "percentage", Category: model.CategoryPerformance},
		{Key: "system.ram", Metric: "system.ram", DisplayName: "Memory Usage", Unit: "MiB", Category: model.CategoryPerformance},
		{Key: "system.load", Metric: "system.load", DisplayName: "System Load", Unit: "load", Category: model.CategoryPerformance},
		{Key: "disk_space._", Metric: "disk.space", DisplayName: "Root Disk Space", Unit: "GiB", Category: model.CategoryPerformance},
		{Key: "system.net", Metric: "system.net", DisplayName: "Network Traffic", Unit: "kilobits/s", Category: model.CategoryNetwork},
	}
}

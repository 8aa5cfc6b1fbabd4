package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Unraid metric keys. The GraphQL overview query feeds all of them.
const (
	KeyCPUUsage      = "cpu_usage"
	KeyMemoryUsage   = "memory_usage"
	KeyArrayUsage    = "array_usage"
	KeyDockerRunning = "docker_running"

	containerKeyPrefix = "container_status:"
)

// Unraid polls an Unraid server's GraphQL API and flattens its nested
// system/array/container data into capabilities and monitor lists.
type Unraid struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewUnraid creates an Unraid driver.
func NewUnraid(creds Credentials, client *http.Client) *Unraid {
	return &Unraid{
		baseURL: strings.TrimRight(creds.URL, "/"),
		apiKey:  creds.APIKey,
		client:  client,
	}
}

func (u *Unraid) Type() model.IntegrationType { return model.TypeUnraid }

const unraidOverviewQuery = `{
  metrics { cpu { percentTotal } memory { percentTotal used total } }
  array { state capacity { kilobytes { used free total } } }
  docker { containers { names state } }
}`

type unraidOverview struct {
	Metrics struct {
		CPU struct {
			PercentTotal float64 `json:"percentTotal"`
		} `json:"cpu"`
		Memory struct {
			PercentTotal float64 `json:"percentTotal"`
			Used         float64 `json:"used"`
			Total        float64 `json:"total"`
		} `json:"memory"`
	} `json:"metrics"`
	Array struct {
		State    string `json:"state"`
		Capacity struct {
			Kilobytes struct {
				Used  json.Number `json:"used"`
				Free  json.Number `json:"free"`
				Total json.Number `json:"total"`
			} `json:"kilobytes"`
		} `json:"capacity"`
	} `json:"array"`
	Docker struct {
		Containers []struct {
			Names []string `json:"names"`
			State string   `json:"state"`
		} `json:"containers"`
	} `json:"docker"`
}

func (u *Unraid) TestConnection(ctx context.Context) TestResult {
	var out struct {
		Array struct {
			State string `json:"state"`
		} `json:"array"`
	}
	if err := u.query(ctx, `{ array { state } }`, &out); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("graphql endpoint unreachable: %v", err)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected, array state %s", out.Array.State)}
}

func (u *Unraid) Capabilities(ctx context.Context) []model.Capability {
	caps := unraidStaticCapabilities()

	var ov unraidOverview
	if err := u.query(ctx, unraidOverviewQuery, &ov); err != nil {
		slog.Warn("unraid capability fetch failed, using static set", "error", err)
		return caps
	}
	for _, c := range ov.Docker.Containers {
		name := containerName(c.Names)
		if name == "" {
			continue
		}
		caps = append(caps, model.Capability{
			Key:         containerKeyPrefix + name,
			Target:      name,
			Metric:      "container_status",
			DisplayName: name + " Container",
			Category:    model.CategoryStatus,
			Description: "Running state of container " + name,
		})
	}
	return caps
}

func (u *Unraid) FetchMetric(ctx context.Context, key string) (*model.MetricValue, error) {
	var ov unraidOverview
	if err := u.query(ctx, unraidOverviewQuery, &ov); err != nil {
		return nil, err
	}

	now := time.Now()
	switch key {
	case KeyCPUUsage:
		return &model.MetricValue{Key: key, Value: ov.Metrics.CPU.PercentTotal, Unit: "%", Timestamp: now}, nil
	case KeyMemoryUsage:
		return &model.MetricValue{
			Key: key, Value: ov.Metrics.Memory.PercentTotal, Unit: "%", Timestamp: now,
			Metadata: map[string]string{
				"used":  fmt.Sprintf("%.0f", ov.Metrics.Memory.Used),
				"total": fmt.Sprintf("%.0f", ov.Metrics.Memory.Total),
			},
		}, nil
	case KeyArrayUsage:
		used, _ := ov.Array.Capacity.Kilobytes.Used.Float64()
		total, _ := ov.Array.Capacity.Kilobytes.Total.Float64()
		var pct float64
		if total > 0 {
			pct = used / total * 100
		}
		return &model.MetricValue{
			Key: key, Value: pct, Unit: "%", Timestamp: now,
			Metadata: map[string]string{"array_state": ov.Array.State},
		}, nil
	case KeyDockerRunning:
		var running int
		for _, c := range ov.Docker.Containers {
			if strings.EqualFold(c.State, "running") {
				running++
			}
		}
		return &model.MetricValue{Key: key, Value: float64(running), Unit: "count", Timestamp: now}, nil
	}

	if name, ok := strings.CutPrefix(key, containerKeyPrefix); ok {
		for _, c := range ov.Docker.Containers {
			if strings.EqualFold(containerName(c.Names), name) {
				v := 0.0
				if strings.EqualFold(c.State, "running") {
					v = 1.0
				}
				return &model.MetricValue{
					Key: key, Value: v, Timestamp: now,
					Metadata: map[string]string{"container": containerName(c.Names), "state": c.State},
				}, nil
			}
		}
	}
	return nil, nil // unknown key
}

// FetchMonitors maps docker containers onto the monitor list: a card can
// bind to a container name and show its running state.
func (u *Unraid) FetchMonitors(ctx context.Context) ([]model.MonitorStatus, error) {
	var ov unraidOverview
	if err := u.query(ctx, unraidOverviewQuery, &ov); err != nil {
		return nil, err
	}

	monitors := make([]model.MonitorStatus, 0, len(ov.Docker.Containers))
	for _, c := range ov.Docker.Containers {
		name := containerName(c.Names)
		if name == "" {
			continue
		}
		monitors = append(monitors, model.MonitorStatus{
			Name: name,
			Up:   strings.EqualFold(c.State, "running"),
		})
	}
	return monitors, nil
}

func (u *Unraid) query(ctx context.Context, query string, out any) error {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return fmt.Errorf("marshaling graphql query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/graphql", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", u.apiKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return NewRetryableError(fmt.Errorf("requesting graphql: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body), Endpoint: "/graphql"}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parsing graphql envelope: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("parsing graphql data: %w", err)
	}
	return nil
}

// containerName returns the primary name with docker's leading slash
// stripped.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func unraidStaticCapabilities() []model.Capability {
	return []model.Capability{
		{Key: KeyCPUUsage, Metric: KeyCPUUsage, DisplayName: "CPU Usage", Unit: "%", Category: model.CategoryPerformance, Description: "Total CPU utilization"},
		{Key: KeyMemoryUsage, Metric: KeyMemoryUsage, DisplayName: "Memory Usage", Unit: "%", Category: model.CategoryPerformance, Description: "Memory utilization"},
		{Key: KeyArrayUsage, Target: "array", Metric: KeyArrayUsage, DisplayName: "Array Usage", Unit: "%", Category: model.CategoryHealth, Description: "Array capacity used"},
		{Key: KeyDockerRunning, Metric: KeyDockerRunning, DisplayName: "Running Containers", Unit: "count", Category: model.CategoryStatus, Description: "Number of running docker containers"},
	}
}

package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Uptime Kuma exposes monitor state as a metrics exposition endpoint.
// monitor_status values: 0=down, 1=up, 2=pending, 3=maintenance.
var monitorStatusRe = regexp.MustCompile(`monitor_status\{[^}]*monitor_name="([^"]*)"[^}]*\}\s+([0-9.]+)`)

// Aggregate capability keys for uptime-style backends.
const (
	KeyMonitorsUp    = "monitors_up"
	KeyMonitorsDown  = "monitors_down"
	KeyMonitorsTotal = "monitors_total"

	monitorKeyPrefix = "monitor_status:"
)

// UptimeKuma polls an Uptime Kuma instance via its metrics endpoint.
type UptimeKuma struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewUptimeKuma creates an Uptime Kuma driver.
func NewUptimeKuma(creds Credentials, client *http.Client) *UptimeKuma {
	return &UptimeKuma{
		baseURL: strings.TrimRight(creds.URL, "/"),
		apiKey:  creds.APIKey,
		client:  client,
	}
}

func (u *UptimeKuma) Type() model.IntegrationType { return model.TypeUptimeKuma }

func (u *UptimeKuma) TestConnection(ctx context.Context) TestResult {
	monitors, err := u.FetchMonitors(ctx)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("metrics endpoint unreachable: %v", err)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected, %d monitors visible", len(monitors))}
}

func (u *UptimeKuma) Capabilities(ctx context.Context) []model.Capability {
	caps := []model.Capability{
		{Key: KeyMonitorsUp, Metric: KeyMonitorsUp, DisplayName: "Monitors Up", Unit: "count", Category: model.CategoryStatus, Description: "Number of monitors currently up"},
		{Key: KeyMonitorsDown, Metric: KeyMonitorsDown, DisplayName: "Monitors Down", Unit: "count", Category: model.CategoryStatus, Description: "Number of monitors currently down"},
		{Key: KeyMonitorsTotal, Metric: KeyMonitorsTotal, DisplayName: "Monitors Total", Unit: "count", Category: model.CategoryStatus, Description: "Total number of monitors"},
	}

	monitors, err := u.FetchMonitors(ctx)
	if err != nil {
		// Static aggregates keep rule authoring alive during an outage.
		slog.Warn("uptime kuma capability fetch failed, using static set", "error", err)
		return caps
	}
	for _, m := range monitors {
		caps = append(caps, model.Capability{
			Key:         monitorKeyPrefix + m.Name,
			Target:      m.Name,
			Metric:      "monitor_status",
			DisplayName: m.Name + " Status",
			Category:    model.CategoryStatus,
			Description: "Up/down state of monitor " + m.Name,
		})
	}
	return caps
}

func (u *UptimeKuma) FetchMetric(ctx context.Context, key string) (*model.MetricValue, error) {
	monitors, err := u.FetchMonitors(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch key {
	case KeyMonitorsUp, KeyMonitorsDown, KeyMonitorsTotal:
		var up, down int
		for _, m := range monitors {
			if m.Up {
				up++
			} else {
				down++
			}
		}
		v := map[string]int{KeyMonitorsUp: up, KeyMonitorsDown: down, KeyMonitorsTotal: len(monitors)}[key]
		return &model.MetricValue{Key: key, Value: float64(v), Unit: "count", Timestamp: now}, nil
	}

	if name, ok := strings.CutPrefix(key, monitorKeyPrefix); ok {
		for _, m := range monitors {
			if strings.EqualFold(m.Name, name) {
				v := 0.0
				if m.Up {
					v = 1.0
				}
				return &model.MetricValue{
					Key: key, Value: v, Timestamp: now,
					Metadata: map[string]string{"monitor": m.Name},
				}, nil
			}
		}
	}
	return nil, nil // unknown key
}

// FetchMonitors parses the exposition text into a flat monitor list.
func (u *UptimeKuma) FetchMonitors(ctx context.Context) ([]model.MonitorStatus, error) {
	body, err := u.fetchMetricsText(ctx)
	if err != nil {
		return nil, err
	}
	return parseKumaMonitors(body), nil
}

func (u *UptimeKuma) fetchMetricsText(ctx context.Context) (string, error) {
	endpoint := u.baseURL + "/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating metrics request: %w", err)
	}
	if u.apiKey != "" {
		// Kuma authenticates API keys as a basic-auth password.
		req.SetBasicAuth("", u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", NewRetryableError(fmt.Errorf("requesting metrics: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("reading metrics response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body), Endpoint: "/metrics"}
	}
	return string(body), nil
}

func parseKumaMonitors(text string) []model.MonitorStatus {
	var monitors []model.MonitorStatus
	seen := make(map[string]bool)
	for _, m := range monitorStatusRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		status, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		// Pending and maintenance both count as not-up.
		monitors = append(monitors, model.MonitorStatus{Name: name, Up: status == 1})
	}
	return monitors
}

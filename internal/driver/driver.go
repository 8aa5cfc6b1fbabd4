// Package driver provides the polymorphic client layer over monitored
// backends. Each driver maps one backend type's native API onto the
// shared capability/metric shape.
package driver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/RoyalKiwi/beacon/internal/secret"
)

// Driver is the contract every backend client implements.
type Driver interface {
	Type() model.IntegrationType

	// TestConnection performs a single bounded round trip. Ordinary
	// failures (timeouts, auth errors) become a failed TestResult, not
	// an error.
	TestConnection(ctx context.Context) TestResult

	// Capabilities queries everything currently monitorable. On backend
	// error it falls back to a small static set so rule authoring never
	// goes blank during a transient outage.
	Capabilities(ctx context.Context) []model.Capability

	// FetchMetric resolves one capability key to a timestamped value.
	// Unknown keys return (nil, nil), not an error.
	FetchMetric(ctx context.Context, key string) (*model.MetricValue, error)
}

// MonitorLister is implemented by status-capable drivers.
type MonitorLister interface {
	// FetchMonitors returns the backend's flat {name, up|down} list.
	// Names are matched case-insensitively downstream.
	FetchMonitors(ctx context.Context) ([]model.MonitorStatus, error)
}

// TestResult is the outcome of a connectivity test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Credentials is the decrypted shape of an integration's credential blob.
type Credentials struct {
	URL      string `json:"url"`
	APIKey   string `json:"api_key,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// APIError represents an HTTP error from a monitored backend.
type APIError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// RetryableError wraps a transport-level error that can be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string     { return e.Err.Error() }
func (e *RetryableError) Unwrap() error     { return e.Err }
func (e *RetryableError) IsRetryable() bool { return true }

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// Factory builds drivers from integration rows, decrypting credentials
// once per construction. The backend type set is closed; adding a
// variant means one new case here.
type Factory struct {
	box     *secret.Box
	timeout time.Duration
}

// NewFactory creates a driver factory. timeout bounds every backend call.
func NewFactory(box *secret.Box, timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Factory{box: box, timeout: timeout}
}

// ForIntegration resolves an integration to a concrete driver.
func (f *Factory) ForIntegration(in *model.Integration) (Driver, error) {
	plain, err := f.box.Open(in.Credentials)
	if err != nil {
		return nil, fmt.Errorf("integration %d: %w", in.ID, err)
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("integration %d: parsing credentials: %w", in.ID, err)
	}
	if creds.URL == "" {
		return nil, fmt.Errorf("integration %d: credentials missing url", in.ID)
	}

	client := newHTTPClient(creds.Insecure, f.timeout)
	switch in.Type {
	case model.TypeUptimeKuma:
		return NewUptimeKuma(creds, client), nil
	case model.TypeNetdata:
		return NewNetdata(creds, client), nil
	case model.TypeUnraid:
		return NewUnraid(creds, client), nil
	default:
		return nil, fmt.Errorf("integration %d: unknown backend type %q", in.ID, in.Type)
	}
}

func newHTTPClient(insecure bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

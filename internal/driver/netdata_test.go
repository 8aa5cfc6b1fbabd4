package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const netdataChartsFixture = `{
  "charts": {
    "system.cpu": {"title": "Total CPU utilization", "units": "percentage", "family": "cpu", "context": "system.cpu"},
    "system.ram": {"title": "System RAM", "units": "MiB", "family": "ram", "context": "system.ram"},
    "system.net": {"title": "Physical Network Interfaces", "units": "kilobits/s", "family": "network", "context": "system.net"},
    "disk_space._": {"title": "Disk Space Usage for /", "units": "GiB", "family": "/", "context": "disk.space"}
  }
}`

const netdataDataFixture = `{
  "labels": ["time", "user", "system", "iowait"],
  "data": [[1700000000, 12.5, 7.5, 1.0]]
}`

func newNetdataTestServer(t *testing.T, handler http.HandlerFunc) *Netdata {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewNetdata(Credentials{URL: srv.URL}, srv.Client())
}

func TestNetdata_Capabilities(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/charts", r.URL.Path)
		w.Write([]byte(netdataChartsFixture))
	})

	caps := d.Capabilities(context.Background())
	require.Len(t, caps, 4)

	byKey := map[string]model.Capability{}
	for _, c := range caps {
		byKey[c.Key] = c
	}
	cpu := byKey["system.cpu"]
	assert.Equal(t, "Total CPU utilization", cpu.DisplayName)
	assert.Equal(t, "percentage", cpu.Unit)
	assert.Equal(t, model.CategoryPerformance, cpu.Category)
	assert.Equal(t, model.CategoryNetwork, byKey["system.net"].Category)
	assert.Equal(t, model.CategoryPerformance, byKey["disk_space._"].Category)
}

func TestNetdata_Capabilities_FallbackOnError(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	caps := d.Capabilities(context.Background())
	require.NotEmpty(t, caps)
	assert.Equal(t, "system.cpu", caps[0].Key)
}

func TestNetdata_FetchMetric(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/data", r.URL.Path)
		assert.Equal(t, "system.cpu", r.URL.Query().Get("chart"))
		w.Write([]byte(netdataDataFixture))
	})

	mv, err := d.FetchMetric(context.Background(), "system.cpu")
	require.NoError(t, err)
	require.NotNil(t, mv)
	assert.Equal(t, "system.cpu", mv.Key)
	assert.InDelta(t, 21.0, mv.Value, 0.001, "dimensions sum to the chart total")
	assert.Equal(t, int64(1700000000), mv.Timestamp.Unix())
	assert.Equal(t, "user,system,iowait", mv.Metadata["dimensions"])
}

func TestNetdata_FetchMetric_UnknownChart(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	mv, err := d.FetchMetric(context.Background(), "no.such.chart")
	require.NoError(t, err)
	assert.Nil(t, mv)
}

func TestNetdata_FetchMetric_EmptyData(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"labels": ["time"], "data": []}`))
	})

	mv, err := d.FetchMetric(context.Background(), "system.cpu")
	require.NoError(t, err)
	assert.Nil(t, mv)
}

func TestNetdata_FetchMetric_ServerError(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	})

	_, err := d.FetchMetric(context.Background(), "system.cpu")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRetryable())
}

func TestNetdata_TestConnection(t *testing.T) {
	d := newNetdataTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(netdataChartsFixture))
	})

	res := d.TestConnection(context.Background())
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "4 charts")
}

func TestNetdata_BearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(netdataChartsFixture))
	}))
	t.Cleanup(srv.Close)
	d := NewNetdata(Credentials{URL: srv.URL, APIKey: "tok"}, srv.Client())

	d.TestConnection(context.Background())
	assert.Equal(t, "Bearer tok", gotAuth)
}

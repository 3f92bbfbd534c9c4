// Metrics tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsFormatting(t *testing.T) {
	l := Labels{"unit": "1", "method": `say "hi"`}
	assert.Equal(t, "method=say \"hi\",unit=1", l.Key())
	assert.Equal(t, `{method="say \"hi\"",unit="1"}`, l.String())
	assert.Equal(t, "", Labels{}.String())
}

func TestCounterAndGauge(t *testing.T) {
	c := NewCounter("ace_test_total", "test")
	c.Inc(Labels{"unit": "0"})
	c.Add(Labels{"unit": "0"}, 2)
	c.Inc(Labels{"unit": "1"})
	assert.Equal(t, uint64(3), c.Get(Labels{"unit": "0"}))

	g := NewGauge("ace_test_gauge", "test")
	g.Set(nil, 4)
	g.Dec(nil)
	assert.Equal(t, 3.0, g.Get(nil))

	var sb strings.Builder
	c.Write(&sb)
	want := "# HELP ace_test_total test\n# TYPE ace_test_total counter\n" +
		"ace_test_total{unit=\"0\"} 3\nace_test_total{unit=\"1\"} 1\n"
	assert.Equal(t, want, sb.String())
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	h := NewHistogram("lat", "latency", []float64{1, 0.1})
	for _, v := range []float64{0.05, 0.5, 0.7, 3} {
		h.Observe(nil, v)
	}
	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	assert.Contains(t, out, `lat_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `lat_bucket{le="1"} 3`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, "lat_count 4")
	assert.Equal(t, uint64(4), h.Count(nil))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewCounter("a", "")))
	assert.Error(t, r.Register(NewGauge("a", "")))
	assert.Panics(t, func() { r.MustRegister(NewCounter("a", "")) })
}

func TestNilACEMetricsIsSafe(t *testing.T) {
	var m *ACEMetrics
	m.RequestSent(0, "get_status")
	m.ResponseReceived(0, "get_status", false, time.Millisecond)
	m.Anomaly(0, "timeout")
	m.ToolChange("ok", time.Second)
	assert.Equal(t, "", m.Gather())
}

func TestACEMetricsRecording(t *testing.T) {
	m := NewACEMetrics()
	m.RequestSent(1, "feed_filament")
	m.ResponseReceived(1, "feed_filament", true, 20*time.Millisecond)
	m.RequestFailed(1, "get_status", "timeout")
	m.SetConnected(1, true, true)
	m.SetSlotReady(1, 2, true)

	assert.Equal(t, uint64(1), m.Responses.Get(Labels{"unit": "1", "method": "feed_filament", "result": "rejected"}))
	assert.Equal(t, uint64(1), m.Reconnects.Get(Labels{"unit": "1"}))
	assert.Equal(t, 1.0, m.SlotReady.Get(Labels{"unit": "1", "slot": "2"}))
	assert.Contains(t, m.Gather(), `ace_request_failures_total{method="get_status",reason="timeout",unit="1"} 1`)
}

func TestServerRoutes(t *testing.T) {
	m := NewACEMetrics()
	m.Runout(2)

	srv := httptest.NewServer(NewServer(m, ServerConfig{}).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ace_runouts_total{tool="2"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerBasicAuth(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewACEMetrics(), ServerConfig{Username: "ace", Password: "pw"}).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.SetBasicAuth("ace", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

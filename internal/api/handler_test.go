package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/tracealign/internal/api/gateway"
	"github.com/lvonguyen/tracealign/internal/cache"
	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/observability"
	"github.com/lvonguyen/tracealign/internal/telemetry"
	"github.com/lvonguyen/tracealign/internal/telemetry/correlation"
)

const record = `{
  "Cuckoo": {
    "behavior": {
      "generic": [{"first_seen": 90}],
      "processes": [{"calls": [
        {"time": 100, "category": "file", "api": "NtCreateFile"},
        {"time": 140, "category": "file", "api": "NtCreateFile"}
      ]}]
    },
    "network": {"udp": [], "tcp": []}
  },
  "KeyLogger": null
}`

type testServer struct {
	srv     *httptest.Server
	mr      *miniredis.Miniredis
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, withCache bool, limit int) *testServer {
	t.Helper()

	tel, err := observability.New(observability.Config{ServiceName: "tracealign-test", MetricsEnabled: true})
	require.NoError(t, err)

	opts := Options{
		Correlation: config.DefaultCorrelationConfig(),
		Metrics:     tel.Metrics(),
		Logger:      zaptest.NewLogger(t),
		Version:     "test",
	}
	ts := &testServer{metrics: tel.Metrics()}

	if withCache {
		ts.mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: ts.mr.Addr()})
		t.Cleanup(func() { client.Close() })
		opts.Cache = cache.New(client, time.Hour, opts.Logger)
		if limit > 0 {
			opts.RateLimiter = gateway.NewRateLimiter(client, config.RateLimitConfig{RequestsPerMinute: limit}, opts.Logger)
		}
	}

	ts.srv = httptest.NewServer(NewHandler(opts).Router(tel.MetricsHandler()))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) correlate(t *testing.T, query, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+"/api/v1/correlate"+query, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, false, 0)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", decodeBody[map[string]string](t, resp)["version"])

	ready, err := http.Get(ts.srv.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestReady_CacheDown(t *testing.T) {
	ts := newTestServer(t, true, 0)
	ts.mr.Close()

	resp, err := http.Get(ts.srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCorrelate(t *testing.T) {
	ts := newTestServer(t, false, 0)

	resp := ts.correlate(t, "?interval=50&offset=0&title=Sample", record)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decodeBody[correlation.Result](t, resp)
	assert.Equal(t, "Sample", res.Title)
	assert.Equal(t, 50.0, res.Interval)
	assert.Equal(t, 50.0, res.EndTime)

	_, names, _ := res.Triple()
	assert.Equal(t, []string{telemetry.NameProcesses, telemetry.NameFileCreate}, names)
	assert.Equal(t, []float64{10, 50}, res.Panels[1].Times)
	assert.Equal(t, []float64{0, 1, 1, 0}, res.Panels[1].Steps.Y)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RunsTotal.WithLabelValues("ok")))
}

func TestCorrelate_Errors(t *testing.T) {
	ts := newTestServer(t, false, 0)

	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"not json", "", `{"Cuckoo":`, http.StatusBadRequest, "invalid_record"},
		{"wrong shape", "", `{"KeyLogger": 12}`, http.StatusBadRequest, "invalid_record"},
		{"bad timestamp", "", `{"Cuckoo":{"network":{"udp":[{"time":"soon"}]}}}`, http.StatusUnprocessableEntity, "malformed_input"},
		{"bad token", "", `{"KeyLogger":"[1] [x]"}`, http.StatusUnprocessableEntity, "malformed_input"},
		{"nothing to display", "", `{"Cuckoo":{},"KeyLogger":""}`, http.StatusUnprocessableEntity, "nothing_to_display"},
		{"huge timestamp", "", `{"Cuckoo":{"network":{"udp":[{"time":1e20}]}}}`, http.StatusUnprocessableEntity, "too_many_buckets"},
		{"tiny interval", "?interval=1e-9", record, http.StatusUnprocessableEntity, "too_many_buckets"},
		{"zero interval", "?interval=0", record, http.StatusBadRequest, "invalid_parameters"},
		{"non numeric interval", "?interval=wide", record, http.StatusBadRequest, "invalid_parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.correlate(t, tt.query, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeBody[map[string]string](t, resp)["error"])
		})
	}
}

func TestCorrelate_Cached(t *testing.T) {
	ts := newTestServer(t, true, 0)

	first := ts.correlate(t, "?offset=0", record)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	firstRes := decodeBody[correlation.Result](t, first)

	second := ts.correlate(t, "?offset=0", record)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, firstRes.RunID, decodeBody[correlation.Result](t, second).RunID)

	// different settings are a different entry
	third := ts.correlate(t, "?offset=0&interval=5", record)
	assert.Equal(t, "MISS", third.Header.Get("X-Cache"))

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.CacheRequests.WithLabelValues("miss")))
}

func TestCorrelate_CacheDownStillServes(t *testing.T) {
	ts := newTestServer(t, true, 0)
	ts.mr.Close()

	resp := ts.correlate(t, "", record)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.CacheRequests.WithLabelValues("error")))
}

func TestCorrelate_RateLimited(t *testing.T) {
	ts := newTestServer(t, true, 1)

	assert.Equal(t, http.StatusOK, ts.correlate(t, "", record).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, ts.correlate(t, "", record).StatusCode)

	// health is outside the limited group
	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false, 0)
	ts.correlate(t, "", record)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "tracealign_runs_total")
	assert.Contains(t, sb.String(), `path="/api/v1/correlate"`)
}

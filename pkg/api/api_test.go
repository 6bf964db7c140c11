package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/indexstore"
	"github.com/ethpandaops/perfstat/pkg/ingest"
	"github.com/ethpandaops/perfstat/pkg/logline"
	"github.com/ethpandaops/perfstat/pkg/provider"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

const aggregateParam = "perfTest.agg.artifact.name"

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type testEnv struct {
	handler http.Handler
	cache   *cache.Cache
	store   indexstore.Store
}

func setupServer(t *testing.T, apiCfg config.APIConfig) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "builds", "7", "build.json"), `{
		"failure_reasons": [
			{"type": "BAD_PERFORMANCE", "test_name": "Checkout Flow", "description": "p95 too high"},
			{"type": "COMPILE_ERROR", "test_name": "Login"}
		],
		"tests": [
			{"full_name": "Login", "group_name": "b"},
			{"full_name": "Checkout Flow", "group_name": "c"},
			{"full_name": "Search", "group_name": "a"}
		],
		"parameters": {"`+aggregateParam+`": "results.tsv"}
	}`)
	writeFile(t, filepath.Join(dir, "builds", "7", "artifacts", "results.tsv"),
		"Time\tElapsed\tLabel\tCode\n"+
			"1000\t0.25\tLogin\t200\n"+
			"1001\t1.75\tCheckout  Flow\t500\n"+
			"1002\t0.5\tSearch\t200\n"+
			"garbage\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "builds", "8"), 0o755))

	reader := storage.NewLocalReader(&config.LocalStorageConfig{Enabled: true, Dir: dir})

	codec, err := logline.NewCodec(logline.DefaultDelimiter, logline.DefaultSanitizer)
	require.NoError(t, err)

	store := indexstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() { _ = store.Stop() })

	promRegistry := prometheus.NewRegistry()

	c := cache.New(log, ingest.NewIngestor(log, codec), storage.NewArtifactLocator(reader), cache.Options{
		AggregateFileParam: aggregateParam,
		Registrar:          provider.NewRegistrar(provider.NewPrometheusRegistry(promRegistry)),
		Hooks:              []cache.RebuildHook{indexstore.NewRebuildHook(log, store, 0)},
	})

	if apiCfg.Listen == "" {
		apiCfg.Listen = "127.0.0.1:0"
	}

	srv := NewServer(log, &apiCfg, &config.MetricsConfig{Enabled: true, Path: "/metrics"}, Options{
		Cache:      c,
		Reader:     reader,
		IndexStore: store,
		Gatherer:   promRegistry,
	}).(*server)

	t.Cleanup(func() { _ = srv.Stop() })

	return &testEnv{handler: srv.buildRouter(), cache: c, store: store}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHealth(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	rec := env.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListBuilds(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	rec := env.get(t, "/api/v1/builds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"builds":["7","8"]}`, rec.Body.String())

	env.get(t, "/api/v1/builds/7/titles")

	rec = env.get(t, "/api/v1/builds")
	assert.JSONEq(t, `{"builds":["7","8"],"cached_build":7}`, rec.Body.String())
}

func TestBuildTests(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	rec := env.get(t, "/api/v1/builds/7/tests/failed")
	require.Equal(t, http.StatusOK, rec.Code)

	failed := decode[[]testEntry](t, rec)
	require.Len(t, failed, 1)
	assert.Equal(t, "Checkout Flow", failed[0].FullName)
	assert.Equal(t, "failed", failed[0].Outcome.String())
	assert.Equal(t, 1, failed[0].Samples)
	assert.Equal(t, map[string]int{"500": 1}, failed[0].ResponseCodes)
	require.Len(t, failed[0].Problems, 1)
	assert.Equal(t, "p95 too high", failed[0].Problems[0].Description)

	rec = env.get(t, "/api/v1/builds/7/tests/succeeded")
	require.Equal(t, http.StatusOK, rec.Code)

	succeeded := decode[[]testEntry](t, rec)
	require.Len(t, succeeded, 2)
	// Sorted by group name.
	assert.Equal(t, "Search", succeeded[0].FullName)
	assert.Equal(t, "Login", succeeded[1].FullName)

	rec = env.get(t, "/api/v1/builds/7/titles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"titles":["Time","Elapsed","Label","Code"]}`, rec.Body.String())

	rec = env.get(t, "/api/v1/builds/7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"id":7,"failed":1,"succeeded":2,"titles":["Time","Elapsed","Label","Code"]}`,
		rec.Body.String())

	assert.Equal(t, int64(1), env.cache.RebuildCount())
}

func TestTestDetail(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	rec := env.get(t, "/api/v1/builds/7/tests/Checkout%20Flow")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		FullName string `json:"full_name"`
		Samples  []struct {
			StartTime uint64  `json:"start_time"`
			Elapsed   float64 `json:"elapsed"`
		} `json:"samples"`
		LogLines []struct {
			StartTime uint64   `json:"start_time"`
			Fields    []string `json:"fields"`
		} `json:"log_lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))

	assert.Equal(t, "Checkout Flow", detail.FullName)
	require.Len(t, detail.Samples, 1)
	assert.Equal(t, uint64(1001), detail.Samples[0].StartTime)
	assert.InDelta(t, 1.75, detail.Samples[0].Elapsed, 1e-9)
	require.Len(t, detail.LogLines, 1)
	assert.Equal(t, []string{"1001", "1.75", "Checkout Flow", "500"}, detail.LogLines[0].Fields)

	rec = env.get(t, "/api/v1/builds/7/tests/Unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildErrors(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "non-numeric id", path: "/api/v1/builds/abc/tests/failed", status: http.StatusBadRequest},
		{name: "missing build", path: "/api/v1/builds/99/tests/failed", status: http.StatusNotFound},
		{name: "build without descriptor", path: "/api/v1/builds/8/titles", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	assert.Equal(t, int64(0), env.cache.RebuildCount())
}

func TestIndexEndpoints(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	// Querying a build exports it through the rebuild hook.
	require.Equal(t, http.StatusOK, env.get(t, "/api/v1/builds/7/tests/failed").Code)

	rec := env.get(t, "/api/v1/index/builds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"builds":[7]}`, rec.Body.String())

	rec = env.get(t, "/api/v1/index/builds/7/tests")
	require.Equal(t, http.StatusOK, rec.Code)

	rows := decode[[]map[string]any](t, rec)
	require.Len(t, rows, 3)
	assert.Equal(t, "Checkout Flow", rows[0]["test_name"])
	assert.Equal(t, "failed", rows[0]["outcome"])
	assert.Equal(t, map[string]any{"500": float64(1)}, rows[0]["response_codes"])

	rec = env.get(t, "/api/v1/index/tests/Login/history")
	require.Equal(t, http.StatusOK, rec.Code)

	history := decode[[]map[string]any](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, float64(7), history[0]["build_id"])
	assert.Equal(t, "succeeded", history[0]["outcome"])

	rec = env.get(t, "/api/v1/index/builds/x/tests")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t, config.APIConfig{})

	require.Equal(t, http.StatusOK, env.get(t, "/api/v1/builds/7/tests/failed").Code)

	rec := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `perfstat_test_samples{key="Checkout Flow"} 1`)
	assert.Contains(t, body, `perfstat_test_response_codes{code="500",key="ResponseCode_Checkout Flow"} 1`)
}

func TestRateLimit(t *testing.T) {
	env := setupServer(t, config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	for range 2 {
		assert.Equal(t, http.StatusOK, env.get(t, "/api/v1/builds").Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, env.get(t, "/api/v1/builds").Code)

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, env.get(t, "/api/v1/health").Code)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "remote without port", remote: "10.0.0.1", want: "10.0.0.1"},
		{name: "forwarded chain", remote: "10.0.0.1:1234", xff: "1.2.3.4, 5.6.7.8", want: "1.2.3.4"},
		{name: "forwarded single", remote: "10.0.0.1:1234", xff: "1.2.3.4", want: "1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}

func TestServerRequiresCache(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, nil, Options{})
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a cache")
	require.NoError(t, srv.Stop())
}

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/chargelink/charge-agent/internal/config"
)

func testConfig(baseURL string) cfgpkg.BackendConfig {
	return cfgpkg.BackendConfig{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		RateLimitQPS: 1000,
		RateBurst:    1000,
		Retry: cfgpkg.RetryConfig{
			Attempts:    3,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  40 * time.Millisecond,
			JitterMax:   5 * time.Millisecond,
		},
	}
}

func TestGetJSON_AppliesDefaultHeaders(t *testing.T) {
	var gotAPIKey, gotAuth, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"Available"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BearerToken = "tok123"
	c := New(cfg, zap.NewNop())

	var out struct {
		Status string `json:"status"`
	}
	err := c.GetJSON(context.Background(), "/v1/chargers/CP1/snapshot", &out)
	require.NoError(t, err)
	assert.Equal(t, "Available", out.Status)
	assert.Equal(t, "test-key", gotAPIKey, "受保护路由应带 X-API-Key")
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.NotEmpty(t, gotReqID)
}

func TestGetJSON_NoAPIKeyOutsideV1(t *testing.T) {
	var gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, c.GetJSON(context.Background(), "/charge/CP1/status", &struct{}{}))
	assert.Empty(t, gotAPIKey)
}

// TestRetryBound 恒定 5xx 的 GET 最多尝试 3 次，最终返回 ServerError
func TestRetryBound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	err := c.GetJSON(context.Background(), "/v1/sessions/active/CP1", &struct{}{})
	require.Error(t, err)

	terr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindServerError, terr.Kind)
	assert.Equal(t, http.StatusInternalServerError, terr.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "总尝试次数应为 3")
}

// TestRetryBound_Timeout 恒定超时的 GET 最多尝试 3 次，退避严格递增且有上限
func TestRetryBound_Timeout(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.Retry.JitterMax = 0
	c := New(cfg, zap.NewNop())

	err := c.GetJSON(context.Background(), "/v1/sessions/active/CP1", &struct{}{})
	require.Error(t, err)
	terr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, terr.Kind)
	assert.Equal(t, 0, terr.Status, "无响应哨兵 status=0")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	p := RetryPolicy{BackoffBase: 2 * time.Second, BackoffMax: 8 * time.Second}
	assert.Equal(t, 2*time.Second, p.backoff(0))
	assert.Equal(t, 4*time.Second, p.backoff(1))
	assert.Equal(t, 8*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(5), "退避应封顶")
}

func TestPostJSON_NoBlindRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	err := c.PostJSON(context.Background(), "/v1/commands/remoteStart", map[string]string{"chargeBoxId": "CP1"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "命令 POST 不得盲目重试")
}

func TestPostJSON_OptInRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.PostJSON(context.Background(), "/v1/commands/reset", map[string]string{"type": "Soft"}, &out, WithRetry())
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{401, KindUnauthorized},
		{404, KindNotFoundOrConflict},
		{409, KindNotFoundOrConflict},
		{422, KindUnprocessable},
		{408, KindTimeout},
		{500, KindServerError},
		{503, KindServerError},
		{418, KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, classify(tc.status), "status %d", tc.status)
	}
}

func TestNonTransientNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	err := c.GetJSON(context.Background(), "/v1/sessions/active/CP1", &struct{}{})
	require.Error(t, err)
	terr, _ := AsError(err)
	assert.Equal(t, KindUnauthorized, terr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 不应重试")
}

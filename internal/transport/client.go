package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cfgpkg "github.com/chargelink/charge-agent/internal/config"
)

// Observer 传输层观测回调（指标注入点）
type Observer interface {
	RequestDone(method string, ok bool)
	RetryScheduled()
	ErrorSeen(kind string)
}

// ObserverFunc 单函数观察器
type ObserverFunc func(event, label string)

func (f ObserverFunc) RequestDone(method string, ok bool) {
	if f != nil {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		f("request", method+":"+outcome)
	}
}

func (f ObserverFunc) RetryScheduled() {
	if f != nil {
		f("retry", "")
	}
}

func (f ObserverFunc) ErrorSeen(kind string) {
	if f != nil {
		f("error", kind)
	}
}

// NopObserver 空观察器
func NopObserver() Observer { return ObserverFunc(nil) }

// RetryPolicy 有界指数退避重试策略
type RetryPolicy struct {
	Attempts    int           // 总尝试次数（含首次）
	BackoffBase time.Duration // 基础退避
	BackoffMax  time.Duration // 退避上限
	JitterMax   time.Duration // 随机抖动上限
}

// backoff 第 attempt 次失败后的等待时间（attempt 从 0 开始）
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase << uint(attempt)
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

// Client 充电后端 HTTP 客户端。
// 统一默认头（X-API-Key / Authorization）、按调用类型区分默认超时，
// 并对 GET 的瞬时故障执行有界重试；POST 仅在调用方显式选择时重试。
type Client struct {
	baseURL      string
	apiKey       string
	bearer       string
	readTimeout  time.Duration
	writeTimeout time.Duration
	retry        RetryPolicy
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
	observer     Observer
}

// Option Client 可选配置
type Option func(*Client)

// WithHTTPClient 注入底层 http.Client（测试用）
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver 注入观察器
func WithObserver(obs Observer) Option {
	return func(c *Client) {
		if obs != nil {
			c.observer = obs
		}
	}
}

// New 创建后端客户端
func New(cfg cfgpkg.BackendConfig, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	retry := RetryPolicy{
		Attempts:    cfg.Retry.Attempts,
		BackoffBase: cfg.Retry.BackoffBase,
		BackoffMax:  cfg.Retry.BackoffMax,
		JitterMax:   cfg.Retry.JitterMax,
	}
	if retry.Attempts <= 0 {
		retry.Attempts = 3
	}
	if retry.BackoffBase <= 0 {
		retry.BackoffBase = 2 * time.Second
	}
	if retry.BackoffMax <= 0 {
		retry.BackoffMax = 8 * time.Second
	}
	qps := cfg.RateLimitQPS
	if qps <= 0 {
		qps = 20
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		bearer:       cfg.BearerToken,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		retry:        retry,
		httpClient:   &http.Client{},
		limiter:      rate.NewLimiter(rate.Limit(qps), burst),
		logger:       logger,
		observer:     NopObserver(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// callOptions 单次调用级覆盖
type callOptions struct {
	timeout   time.Duration
	retryPost bool
}

// CallOption 调用级选项
type CallOption func(*callOptions)

// WithTimeout 覆盖本次调用的超时
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetry 允许 POST 重试（仅幂等命令可使用）
func WithRetry() CallOption {
	return func(o *callOptions) { o.retryPost = true }
}

// GetJSON 发起 GET 并解析 JSON 响应；瞬时故障自动重试
func (c *Client) GetJSON(ctx context.Context, path string, out any, opts ...CallOption) error {
	co := callOptions{timeout: c.readTimeout}
	for _, opt := range opts {
		opt(&co)
	}
	return c.do(ctx, http.MethodGet, path, nil, out, co.timeout, true)
}

// PostJSON 发起 POST 并解析 JSON 响应；默认不重试
func (c *Client) PostJSON(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	co := callOptions{timeout: c.writeTimeout}
	for _, opt := range opts {
		opt(&co)
	}
	return c.do(ctx, http.MethodPost, path, body, out, co.timeout, co.retryPost)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration, retryable bool) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	requestID := uuid.NewString()
	attempts := 1
	if retryable {
		attempts = c.retry.Attempts
	}

	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.observer.RetryScheduled()
			wait := c.retry.backoff(attempt - 1)
			c.logger.Debug("transport retry",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		terr := c.attempt(ctx, method, path, payload, out, timeout, requestID)
		if terr == nil {
			c.observer.RequestDone(method, true)
			return nil
		}
		c.observer.RequestDone(method, false)
		c.observer.ErrorSeen(string(terr.Kind))
		lastErr = terr
		if !terr.Transient() {
			break
		}
	}

	c.logger.Warn("transport request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", lastErr.Status),
		zap.String("kind", string(lastErr.Kind)))
	return lastErr
}

// attempt 执行单次请求，所有失败归一化为 *Error
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any, timeout time.Duration, requestID string) *Error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &Error{Status: 0, Kind: KindUnknown, Message: "create request: " + err.Error()}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	// 受保护的 /v1/** 路由要求 X-API-Key
	if strings.HasPrefix(path, "/v1/") && c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Status: 0, Kind: KindTimeout, Message: "request timed out"}
		}
		// 网络失败：status=0 哨兵
		return &Error{Status: 0, Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: resp.StatusCode, Kind: KindUnknown, Message: "read response body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		return &Error{Status: resp.StatusCode, Kind: classify(resp.StatusCode), Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Status: resp.StatusCode, Kind: KindUnprocessable, Message: "unmarshal response: " + err.Error()}
	}
	return nil
}

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chargelink/charge-agent/internal/backend"
	cfgpkg "github.com/chargelink/charge-agent/internal/config"
)

// 默认订阅的事件类型
var defaultEventTypes = []string{"telemetry-updated", "status-change", "heartbeat"}

// TelemetryEvent telemetry-updated 事件负载。
// 字段全部可缺失；交易号仅作为刷新提示，不得直接写入权威状态。
type TelemetryEvent struct {
	TransactionID backend.FlexInt `json:"transactionId"`
	UpdatedAt     string          `json:"updatedAt"`
	Telemetry     struct {
		EnergyKWh      backend.FlexFloat `json:"energyKWh"`
		PowerKW        backend.FlexFloat `json:"powerKW"`
		VoltageV       backend.FlexFloat `json:"voltageV"`
		CurrentA       backend.FlexFloat `json:"currentA"`
		TemperatureC   backend.FlexFloat `json:"temperatureC"`
		BatteryPercent backend.FlexFloat `json:"batteryPercent"`
		PricePerKWh    backend.FlexFloat `json:"pricePerKWh"`
		TotalCost      backend.FlexFloat `json:"totalCost"`
		TimestampUTC   string            `json:"timestampUtc"`
	} `json:"telemetry"`
}

// statusChangeEvent status-change 事件负载：status 可能在顶层或 payload 内
type statusChangeEvent struct {
	Status  string `json:"status"`
	Payload struct {
		Status string `json:"status"`
	} `json:"payload"`
}

func (e *statusChangeEvent) status() string {
	if e.Status != "" {
		return e.Status
	}
	return e.Payload.Status
}

// Handlers 事件回调集合；未设置的回调被忽略
type Handlers struct {
	OnTelemetry    func(TelemetryEvent)
	OnStatusChange func(status string)
	OnHeartbeat    func()
	OnError        func(error)
}

// Observer 订阅器观测回调
type Observer interface {
	EventReceived(eventType string)
	ReconnectScheduled()
}

type nopObserver struct{}

func (nopObserver) EventReceived(string) {}
func (nopObserver) ReconnectScheduled()  {}

// NopObserver 空观察器
func NopObserver() Observer { return nopObserver{} }

// Subscriber 按充电桩过滤的 SSE 订阅器
type Subscriber struct {
	baseURL        string
	apiKey         string
	enable         bool
	reconnectDelay time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
	observer       Observer
}

// Option Subscriber 可选配置
type Option func(*Subscriber)

// WithHTTPClient 注入底层 http.Client（测试用）
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Subscriber) {
		if hc != nil {
			s.httpClient = hc
		}
	}
}

// WithObserver 注入观察器
func WithObserver(obs Observer) Option {
	return func(s *Subscriber) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// New 创建订阅器
func New(backendCfg cfgpkg.BackendConfig, streamCfg cfgpkg.StreamConfig, logger *zap.Logger, opts ...Option) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := streamCfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	s := &Subscriber{
		baseURL:        strings.TrimRight(backendCfg.BaseURL, "/"),
		apiKey:         backendCfg.APIKey,
		enable:         streamCfg.Enable,
		reconnectDelay: delay,
		// SSE 为长连接，不设整体超时，由 ctx 负责取消
		httpClient: &http.Client{},
		logger:     logger,
		observer:   NopObserver(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription 活动订阅句柄
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe 终止订阅并等待循环退出
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Subscribe 打开按桩过滤的事件流。
// 流被禁用时返回 nil，调用方应退化为纯轮询。
// 传输错误后固定延迟重连，直到 Unsubscribe。
func (s *Subscriber) Subscribe(chargeBoxID string, h Handlers) *Subscription {
	if !s.enable {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			err := s.consume(ctx, chargeBoxID, h)
			if ctx.Err() != nil {
				return
			}
			if err != nil && h.OnError != nil {
				h.OnError(err)
			}
			s.observer.ReconnectScheduled()
			s.logger.Debug("stream reconnect scheduled",
				zap.String("charge_box_id", chargeBoxID),
				zap.Duration("delay", s.reconnectDelay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}
		}
	}()
	return sub
}

// consume 打开一次流连接并分发事件，连接断开时返回
func (s *Subscriber) consume(ctx context.Context, chargeBoxID string, h Handlers) error {
	params := url.Values{}
	params.Set("cbid", chargeBoxID)
	params.Set("types", strings.Join(defaultEventTypes, ","))
	if s.apiKey != "" {
		params.Set("apiKey", s.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/stream?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &streamStatusError{status: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" || data.Len() > 0 {
				s.dispatch(eventType, data.Bytes(), h)
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// 注释行（keep-alive），忽略
		}
	}
	return scanner.Err()
}

func (s *Subscriber) dispatch(eventType string, data []byte, h Handlers) {
	s.observer.EventReceived(eventType)
	switch eventType {
	case "telemetry-updated":
		var ev TelemetryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("malformed telemetry event", zap.Error(err))
			return
		}
		if h.OnTelemetry != nil {
			h.OnTelemetry(ev)
		}
	case "status-change":
		var ev statusChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("malformed status-change event", zap.Error(err))
			return
		}
		if st := ev.status(); st != "" && h.OnStatusChange != nil {
			h.OnStatusChange(st)
		}
	case "heartbeat":
		if h.OnHeartbeat != nil {
			h.OnHeartbeat()
		}
	}
}

type streamStatusError struct {
	status int
}

func (e *streamStatusError) Error() string {
	return "stream: unexpected http status " + http.StatusText(e.status)
}

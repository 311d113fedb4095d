package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/chargelink/charge-agent/internal/transport"
)

// API 后端命令/查询接口的类型化封装
type API struct {
	client *transport.Client
	logger *zap.Logger
}

// New 创建 API 封装
func New(client *transport.Client, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{client: client, logger: logger}
}

// StartCommand 发起远程启动命令
func (a *API) StartCommand(ctx context.Context, req StartRequest) (*CommandResult, error) {
	a.logger.Info("remoteStart request",
		zap.String("charge_box_id", req.ChargeBoxID),
		zap.Int("connector_id", req.ConnectorID),
		zap.String("id_tag", req.IDTag))
	var res CommandResult
	if err := a.client.PostJSON(ctx, "/v1/commands/remoteStart", req, &res); err != nil {
		return nil, err
	}
	a.logger.Info("remoteStart response",
		zap.String("charge_box_id", req.ChargeBoxID),
		zap.String("status", string(res.EffectiveStatus())),
		zap.String("command_id", string(res.ID())))
	return &res, nil
}

// StopCommand 发起远程停止命令
func (a *API) StopCommand(ctx context.Context, req StopRequest) (*CommandResult, error) {
	a.logger.Info("remoteStop request",
		zap.String("charge_box_id", req.ChargeBoxID),
		zap.Int64("transaction_id", req.TransactionID))
	var res CommandResult
	if err := a.client.PostJSON(ctx, "/v1/commands/remoteStop", req, &res); err != nil {
		return nil, err
	}
	a.logger.Info("remoteStop response",
		zap.Int64("transaction_id", req.TransactionID),
		zap.String("status", string(res.EffectiveStatus())))
	return &res, nil
}

// SoftReset 发起软复位命令（软恢复路径专用，允许重试）
func (a *API) SoftReset(ctx context.Context, chargeBoxID string) (*CommandResult, error) {
	var res CommandResult
	req := ResetRequest{ChargeBoxID: chargeBoxID, Type: "Soft"}
	if err := a.client.PostJSON(ctx, "/v1/commands/reset", req, &res, transport.WithRetry()); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetCommandStatus 查询命令状态（轮询用）
func (a *API) GetCommandStatus(ctx context.Context, id CommandID) (*CommandResult, error) {
	var res CommandResult
	path := fmt.Sprintf("/v1/commands/%s", url.PathEscape(string(id)))
	if err := a.client.GetJSON(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// fallbackEligible 主路由 404/400 时切换备用路由
func fallbackEligible(err error) bool {
	st := transport.StatusOf(err)
	return st == 404 || st == 400
}

// GetSnapshot 获取桩状态快照；主路由缺失时回退到备用状态路由
func (a *API) GetSnapshot(ctx context.Context, chargeBoxID string) (*Snapshot, error) {
	var snap Snapshot
	primary := fmt.Sprintf("/v1/ocpp/%s/snapshot", url.PathEscape(chargeBoxID))
	err := a.client.GetJSON(ctx, primary, &snap, transport.WithTimeout(15*time.Second))
	if err == nil {
		return &snap, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}
	alt := fmt.Sprintf("/charge/%s/status", url.PathEscape(chargeBoxID))
	if altErr := a.client.GetJSON(ctx, alt, &snap, transport.WithTimeout(12*time.Second)); altErr == nil {
		return &snap, nil
	}
	return nil, err
}

// GetChargerMeta 获取充电桩元数据（名称、最后交易号）
func (a *API) GetChargerMeta(ctx context.Context, chargeBoxID string) (*ChargerMeta, error) {
	var meta ChargerMeta
	path := fmt.Sprintf("/v1/chargers/%s", url.PathEscape(chargeBoxID))
	if err := a.client.GetJSON(ctx, path, &meta, transport.WithTimeout(15*time.Second)); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetActiveSession 获取活跃会话。优先带遥测的 detail 路由，
// 404/400 时回退到基础路由。
func (a *API) GetActiveSession(ctx context.Context, chargeBoxID string) (*SessionDetail, error) {
	var detail SessionDetail
	primary := fmt.Sprintf("/v1/sessions/active/%s/detail", url.PathEscape(chargeBoxID))
	err := a.client.GetJSON(ctx, primary, &detail)
	if err == nil {
		return &detail, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}
	basic := fmt.Sprintf("/v1/sessions/active/%s", url.PathEscape(chargeBoxID))
	if altErr := a.client.GetJSON(ctx, basic, &detail); altErr == nil {
		return &detail, nil
	}
	return nil, err
}

// GetFinalSession 按交易号获取会话终态
func (a *API) GetFinalSession(ctx context.Context, transactionID int64) (*SessionDetail, error) {
	var detail SessionDetail
	path := fmt.Sprintf("/v1/sessions/%d", transactionID)
	if err := a.client.GetJSON(ctx, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetProgress 获取会话进度/计费
func (a *API) GetProgress(ctx context.Context, transactionID int64) (*Progress, error) {
	var p Progress
	path := fmt.Sprintf("/v1/sessions/%d/progress", transactionID)
	if err := a.client.GetJSON(ctx, path, &p, transport.WithTimeout(15*time.Second)); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetTelemetry 获取交易级规范遥测
func (a *API) GetTelemetry(ctx context.Context, transactionID int64) (*WireTelemetry, error) {
	var t WireTelemetry
	path := fmt.Sprintf("/v1/sessions/%d/telemetry", transactionID)
	if err := a.client.GetJSON(ctx, path, &t, transport.WithTimeout(12*time.Second)); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetLastKnownTransaction 调试/恢复端点：桩的最后已知交易
func (a *API) GetLastKnownTransaction(ctx context.Context, chargeBoxID string) (*LastTransaction, error) {
	var last LastTransaction
	path := fmt.Sprintf("/v1/debug/ocpp/last-tx/%s", url.PathEscape(chargeBoxID))
	if err := a.client.GetJSON(ctx, path, &last); err != nil {
		return nil, err
	}
	return &last, nil
}

// GetMeterValueEvents 拉取原始计量事件（遥测兜底）。
// 优先按周期采样上下文过滤，查不到再放宽条件。响应可能是数组或单对象。
func (a *API) GetMeterValueEvents(ctx context.Context, transactionID int64) ([]MeterEvent, error) {
	q := url.Values{}
	q.Set("event_type", "MeterValues")
	q.Set("transaction_pk", fmt.Sprintf("%d", transactionID))
	q.Set("limit", "50")
	q.Set("sort", "desc")

	filtered := url.Values{}
	for k, v := range q {
		filtered[k] = v
	}
	filtered.Set("context", "Sample.Periodic")

	events, err := a.fetchEvents(ctx, "/v1/events?"+filtered.Encode())
	if err != nil || len(events) == 0 {
		events, err = a.fetchEvents(ctx, "/v1/events?"+q.Encode())
	}
	return events, err
}

func (a *API) fetchEvents(ctx context.Context, path string) ([]MeterEvent, error) {
	var raw json.RawMessage
	if err := a.client.GetJSON(ctx, path, &raw, transport.WithTimeout(15*time.Second)); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var events []MeterEvent
	if err := json.Unmarshal(raw, &events); err == nil {
		return events, nil
	}
	var one MeterEvent
	if err := json.Unmarshal(raw, &one); err == nil {
		return []MeterEvent{one}, nil
	}
	return nil, fmt.Errorf("unexpected events payload shape")
}

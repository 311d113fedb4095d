package backend

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// CommandStatus 命令生命周期状态
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandAccepted  CommandStatus = "accepted"
	CommandRejected  CommandStatus = "rejected"
	CommandError     CommandStatus = "error"
	CommandCompleted CommandStatus = "completed"
)

// Terminal 是否为命令终态
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAccepted, CommandRejected, CommandError, CommandCompleted:
		return true
	}
	return false
}

// Failed 是否为终态失败
func (s CommandStatus) Failed() bool {
	return s == CommandRejected || s == CommandError
}

// Proceedable 后端是否已接管命令（不代表交易已存在）
func (s CommandStatus) Proceedable() bool {
	switch s {
	case CommandPending, CommandSent, CommandAccepted, CommandCompleted:
		return true
	}
	return false
}

// CommandID 命令标识：后端可能返回字符串或数字
type CommandID string

// UnmarshalJSON 容忍数字或字符串编码
func (c *CommandID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = CommandID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = CommandID(n.String())
	return nil
}

// FlexFloat 容忍字符串编码的浮点值；解析后非有限值视为缺失
type FlexFloat struct {
	Val   float64
	Valid bool
}

// UnmarshalJSON 接受 number、字符串或 null
func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	f.Val, f.Valid = 0, false
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	f.Val, f.Valid = v, true
	return nil
}

// Ptr 返回指针形式；缺失时为 nil
func (f FlexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Val
	return &v
}

// FlexInt 容忍字符串编码的整数值
type FlexInt struct {
	Val   int64
	Valid bool
}

// UnmarshalJSON 接受 number、字符串或 null；浮点值向下取整
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	var ff FlexFloat
	if err := ff.UnmarshalJSON(b); err != nil {
		return err
	}
	f.Val, f.Valid = int64(ff.Val), ff.Valid
	return nil
}

// Ptr 返回指针形式；缺失时为 nil
func (f FlexInt) Ptr() *int64 {
	if !f.Valid {
		return nil
	}
	v := f.Val
	return &v
}

// CommandResult 命令调用结果
type CommandResult struct {
	CommandID           CommandID     `json:"commandId"`
	AltID               CommandID     `json:"id"`
	Status              CommandStatus `json:"status"`
	IdempotentDuplicate bool          `json:"idempotentDuplicate"`
}

// ID 返回命令标识；部分后端用 id 字段
func (r *CommandResult) ID() CommandID {
	if r.CommandID != "" {
		return r.CommandID
	}
	return r.AltID
}

// EffectiveStatus 缺省状态按 pending 处理
func (r *CommandResult) EffectiveStatus() CommandStatus {
	if r.Status == "" {
		return CommandPending
	}
	return r.Status
}

// Snapshot 充电桩即时状态快照
type Snapshot struct {
	Status    string `json:"status"`
	Connector string `json:"connector"`
	WSOnline  bool   `json:"wsOnline"`
	UpdatedAt string `json:"updated_at"`
}

// readySnapshotStatuses 视为"就绪/可用"的桩状态
var readySnapshotStatuses = map[string]bool{
	"available":   true,
	"preparing":   true,
	"suspendedev": true,
	"finishing":   true,
}

// Ready 快照是否表示桩处于就绪状态
func (s *Snapshot) Ready() bool {
	if s == nil {
		return false
	}
	return readySnapshotStatuses[strings.ToLower(s.Status)]
}

// Faulted 快照是否表示桩故障/不可用
func (s *Snapshot) Faulted() bool {
	if s == nil {
		return false
	}
	st := strings.ToLower(s.Status)
	return st == "faulted" || st == "unavailable"
}

// Session 会话权威字段
type Session struct {
	TransactionID FlexInt `json:"transaction_id"`
	IDTag         string  `json:"id_tag"`
	StartedAt     string  `json:"started_at"`
	IsActive      *bool   `json:"is_active"`
	StoppedAt     string  `json:"stopped_at"`
	StopReason    string  `json:"stop_reason"`
}

// Closed 会话是否已确认关闭
func (s *Session) Closed() bool {
	if s == nil {
		return false
	}
	if s.StoppedAt != "" {
		return true
	}
	return s.IsActive != nil && !*s.IsActive
}

// WireTelemetry 遥测线上格式（detail/telemetry 路由共用）
type WireTelemetry struct {
	TransactionID FlexInt   `json:"transaction_id"`
	KWh           FlexFloat `json:"kwh"`
	MeterKWh      FlexFloat `json:"meter_kwh"`
	PowerKW       FlexFloat `json:"power_kw"`
	VoltageV      FlexFloat `json:"voltage_v"`
	CurrentA      FlexFloat `json:"current_a"`
	TemperatureC  FlexFloat `json:"temperature_c"`
	SoCPercent    FlexFloat `json:"soc_percent_at"`
	SoCPct        FlexFloat `json:"soc_pct"`
	DurationSec   FlexInt   `json:"duration_seconds"`
	StartedAt     string    `json:"started_at"`
	At            string    `json:"at"`
	CreatedAt     string    `json:"created_at"`
}

// Energy kwh 与 meter_kwh 二选一
func (t *WireTelemetry) Energy() FlexFloat {
	if t.KWh.Valid {
		return t.KWh
	}
	return t.MeterKWh
}

// SoC soc_percent_at 与 soc_pct 二选一
func (t *WireTelemetry) SoC() FlexFloat {
	if t.SoCPercent.Valid {
		return t.SoCPercent
	}
	return t.SoCPct
}

// ObservedAt at 与 created_at 二选一
func (t *WireTelemetry) ObservedAt() string {
	if t.At != "" {
		return t.At
	}
	return t.CreatedAt
}

// Progress 会话进度/计费派生数据
type Progress struct {
	DurationSeconds FlexInt   `json:"duration_seconds"`
	DurationMin     FlexFloat `json:"duration_min"`
	EnergyKWh       FlexFloat `json:"energy_kwh"`
	PriceTotal      FlexFloat `json:"price_total"`
	PriceUnit       FlexFloat `json:"price_unit"`
}

// SessionDetail 活跃/最终会话聚合响应
type SessionDetail struct {
	Session   *Session       `json:"session"`
	Telemetry *WireTelemetry `json:"telemetry"`
	Progress  *Progress      `json:"progress"`
	Status    string         `json:"status"`
}

// TransactionID 提取会话交易号；无则返回 0,false
func (d *SessionDetail) TransactionID() (int64, bool) {
	if d == nil || d.Session == nil || !d.Session.TransactionID.Valid {
		return 0, false
	}
	return d.Session.TransactionID.Val, true
}

// Completed 聚合判定：stopped_at 已置位、is_active=false 或顶层 status=completed
func (d *SessionDetail) Completed() bool {
	if d == nil {
		return false
	}
	if d.Session.Closed() {
		return true
	}
	return strings.EqualFold(d.Status, "completed")
}

// LastTransaction 调试/恢复端点响应：字段名因后端实现而异
type LastTransaction struct {
	TransactionID FlexInt `json:"transaction_id"`
	TxID          FlexInt `json:"txId"`
	TxIDSnake     FlexInt `json:"tx_id"`
}

// ID 按优先级提取交易号
func (l *LastTransaction) ID() (int64, bool) {
	if l == nil {
		return 0, false
	}
	for _, f := range []FlexInt{l.TransactionID, l.TxID, l.TxIDSnake} {
		if f.Valid && f.Val > 0 {
			return f.Val, true
		}
	}
	return 0, false
}

// ChargerMeta 充电桩元数据
type ChargerMeta struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	LastTransactionID FlexInt `json:"lastTransactionId"`
	LastTxSnake       FlexInt `json:"last_transaction_id"`
}

// LastTx 桩记录的最后交易号
func (m *ChargerMeta) LastTx() (int64, bool) {
	if m == nil {
		return 0, false
	}
	for _, f := range []FlexInt{m.LastTransactionID, m.LastTxSnake} {
		if f.Valid && f.Val > 0 {
			return f.Val, true
		}
	}
	return 0, false
}

// SampledValue OCPP 计量采样值
type SampledValue struct {
	Value     FlexFloat `json:"value"`
	Measurand string    `json:"measurand"`
	Context   string    `json:"context"`
	Location  string    `json:"location"`
	Phase     string    `json:"phase"`
	Unit      string    `json:"unit"`
}

// MeterEvent 原始计量事件。meterValue 字段可能是对象或数组，
// transactionData/sampledValue 也可能嵌在 payload 内，故用 RawMessage 延迟解析。
type MeterEvent struct {
	Timestamp    string          `json:"timestamp"`
	CreatedAt    string          `json:"created_at"`
	At           string          `json:"at"`
	SampledValue []SampledValue  `json:"sampledValue"`
	MeterValue   json.RawMessage `json:"meterValue"`
	Payload      json.RawMessage `json:"payload"`
}

type meterValueEntry struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type meterEventPayload struct {
	SampledValue    []SampledValue    `json:"sampledValue"`
	TransactionData []meterValueEntry `json:"transactionData"`
}

// SampledValues 收集事件中所有形态的采样值数组，保持出现顺序
func (e *MeterEvent) SampledValues() []SampledValue {
	var out []SampledValue
	out = append(out, e.SampledValue...)

	if len(e.MeterValue) > 0 {
		var many []meterValueEntry
		if err := json.Unmarshal(e.MeterValue, &many); err == nil {
			for _, m := range many {
				out = append(out, m.SampledValue...)
			}
		} else {
			var one meterValueEntry
			if err := json.Unmarshal(e.MeterValue, &one); err == nil {
				out = append(out, one.SampledValue...)
			}
		}
	}

	if len(e.Payload) > 0 {
		var p meterEventPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			out = append(out, p.SampledValue...)
			for _, td := range p.TransactionData {
				out = append(out, td.SampledValue...)
			}
		}
	}
	return out
}

// ObservedAt 事件时间戳（多字段候选）
func (e *MeterEvent) ObservedAt() string {
	if e.Timestamp != "" {
		return e.Timestamp
	}
	if len(e.MeterValue) > 0 {
		var one meterValueEntry
		if err := json.Unmarshal(e.MeterValue, &one); err == nil && one.Timestamp != "" {
			return one.Timestamp
		}
		var many []meterValueEntry
		if err := json.Unmarshal(e.MeterValue, &many); err == nil && len(many) > 0 && many[0].Timestamp != "" {
			return many[0].Timestamp
		}
	}
	if e.CreatedAt != "" {
		return e.CreatedAt
	}
	return e.At
}

// StartRequest 远程启动命令请求体
type StartRequest struct {
	ChargeBoxID string `json:"chargeBoxId"`
	IDTag       string `json:"idTag"`
	ConnectorID int    `json:"connectorId"`
	Force       bool   `json:"force"`
}

// StopRequest 远程停止命令请求体；部分后端要求同时校验 chargeBoxId
type StopRequest struct {
	TransactionID int64  `json:"transactionId"`
	ChargeBoxID   string `json:"chargeBoxId,omitempty"`
}

// ResetRequest 软复位命令请求体
type ResetRequest struct {
	ChargeBoxID string `json:"chargeBoxId"`
	Type        string `json:"type"`
}

package telemetry

import (
	"strings"
	"time"

	"github.com/chargelink/charge-agent/internal/backend"
)

// Source 标记采样来源：会话详情为权威，计量事件为兜底
type Source string

const (
	SourceDetail Source = "detail"
	SourceEvent  Source = "event"
)

// Sample 面向展示/上报的遥测聚合。
// 所有数值可缺失；缺失用 nil 表达，绝不用 0 顶替。
type Sample struct {
	EnergyKWh       *float64
	PowerKW         *float64
	VoltageV        *float64
	CurrentA        *float64
	TemperatureC    *float64
	SoCPercent      *float64
	DurationSeconds *int64
	PricePerKWh     *float64
	TotalCost       *float64
	StartedAt       string
	ObservedAt      string
	Source          Source
}

// FromWire 从线上格式投影
func FromWire(t *backend.WireTelemetry) Sample {
	if t == nil {
		return Sample{Source: SourceDetail}
	}
	return Sample{
		EnergyKWh:       t.Energy().Ptr(),
		PowerKW:         t.PowerKW.Ptr(),
		VoltageV:        t.VoltageV.Ptr(),
		CurrentA:        t.CurrentA.Ptr(),
		TemperatureC:    t.TemperatureC.Ptr(),
		SoCPercent:      t.SoC().Ptr(),
		DurationSeconds: t.DurationSec.Ptr(),
		StartedAt:       t.StartedAt,
		ObservedAt:      t.ObservedAt(),
		Source:          SourceDetail,
	}
}

// ApplyProgress 合入进度/计费派生字段；进度值仅在本体缺失时补位
func (s Sample) ApplyProgress(p *backend.Progress) Sample {
	if p == nil {
		return s
	}
	if s.EnergyKWh == nil {
		s.EnergyKWh = p.EnergyKWh.Ptr()
	}
	if s.DurationSeconds == nil {
		if p.DurationSeconds.Valid {
			s.DurationSeconds = p.DurationSeconds.Ptr()
		} else if p.DurationMin.Valid {
			v := int64(p.DurationMin.Val * 60)
			s.DurationSeconds = &v
		}
	}
	if s.TotalCost == nil {
		s.TotalCost = p.PriceTotal.Ptr()
	}
	if s.PricePerKWh == nil {
		s.PricePerKWh = p.PriceUnit.Ptr()
	}
	return s
}

// Merge 以 next 为准合并，next 缺失的数值从 prev 带入。
// 数值短暂消失不应在界面上闪烁归零。
func Merge(prev, next Sample) Sample {
	out := next
	if out.EnergyKWh == nil {
		out.EnergyKWh = prev.EnergyKWh
	}
	if out.PowerKW == nil {
		out.PowerKW = prev.PowerKW
	}
	if out.VoltageV == nil {
		out.VoltageV = prev.VoltageV
	}
	if out.CurrentA == nil {
		out.CurrentA = prev.CurrentA
	}
	if out.TemperatureC == nil {
		out.TemperatureC = prev.TemperatureC
	}
	if out.SoCPercent == nil {
		out.SoCPercent = prev.SoCPercent
	}
	if out.DurationSeconds == nil {
		out.DurationSeconds = prev.DurationSeconds
	}
	if out.PricePerKWh == nil {
		out.PricePerKWh = prev.PricePerKWh
	}
	if out.TotalCost == nil {
		out.TotalCost = prev.TotalCost
	}
	if out.StartedAt == "" {
		out.StartedAt = prev.StartedAt
	}
	if out.ObservedAt == "" {
		out.ObservedAt = prev.ObservedAt
	}
	return out
}

// EffectiveDuration 时长级联：显式秒数优先，其次从开始时刻推算
func (s Sample) EffectiveDuration(now time.Time) (int64, bool) {
	if s.DurationSeconds != nil && *s.DurationSeconds >= 0 {
		return *s.DurationSeconds, true
	}
	if s.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
			d := int64(now.Sub(started).Seconds())
			if d >= 0 {
				return d, true
			}
		}
	}
	return 0, false
}

// 采样值度量名集合
var (
	energyMeasurands = map[string]bool{"energy.active.import.register": true}
	powerMeasurands  = map[string]bool{"power.active.import": true}
	socMeasurands    = map[string]bool{"soc": true, "stateofcharge": true, "battery.soc": true}
)

// pick 在候选中按打分选择：周期采样上下文优先，其次出线端位置与 L1 相位。
// events 按时间倒序给出，同分取最先出现者（即最新）。
func pick(events []backend.MeterEvent, match func(backend.SampledValue) bool) (backend.SampledValue, string, bool) {
	var best backend.SampledValue
	var bestAt string
	bestScore := -1
	for _, ev := range events {
		at := ev.ObservedAt()
		for _, sv := range ev.SampledValues() {
			if !sv.Value.Valid || !match(sv) {
				continue
			}
			score := 0
			if strings.EqualFold(sv.Context, "Sample.Periodic") {
				score += 4
			}
			if strings.EqualFold(sv.Location, "Outlet") {
				score += 2
			}
			if strings.EqualFold(sv.Phase, "L1-N") || strings.EqualFold(sv.Phase, "L1") {
				score++
			}
			if score > bestScore {
				best, bestAt, bestScore = sv, at, score
			}
		}
	}
	return best, bestAt, bestScore >= 0
}

func byMeasurand(set map[string]bool) func(backend.SampledValue) bool {
	return func(sv backend.SampledValue) bool {
		return set[strings.ToLower(sv.Measurand)]
	}
}

// Extract 从原始计量事件提取遥测兜底样本。
// 能量按 Wh 约定换算为 kWh，功率按 W 换算为 kW。
func Extract(events []backend.MeterEvent) Sample {
	out := Sample{Source: SourceEvent}
	if len(events) == 0 {
		return out
	}

	if sv, at, ok := pick(events, byMeasurand(energyMeasurands)); ok {
		v := sv.Value.Val
		if strings.EqualFold(sv.Unit, "Wh") || (sv.Unit == "" && v > 1000) {
			v /= 1000
		}
		out.EnergyKWh = &v
		out.ObservedAt = at
	}
	if sv, at, ok := pick(events, byMeasurand(powerMeasurands)); ok {
		v := sv.Value.Val
		if strings.EqualFold(sv.Unit, "W") {
			v /= 1000
		}
		out.PowerKW = &v
		if out.ObservedAt == "" {
			out.ObservedAt = at
		}
	}
	if sv, _, ok := pick(events, func(sv backend.SampledValue) bool {
		return strings.EqualFold(sv.Measurand, "Voltage")
	}); ok {
		v := sv.Value.Val
		out.VoltageV = &v
	}
	if sv, _, ok := pick(events, func(sv backend.SampledValue) bool {
		return strings.EqualFold(sv.Measurand, "Current.Import")
	}); ok {
		v := sv.Value.Val
		out.CurrentA = &v
	}
	if sv, _, ok := pick(events, func(sv backend.SampledValue) bool {
		return strings.EqualFold(sv.Measurand, "Temperature")
	}); ok {
		v := sv.Value.Val
		out.TemperatureC = &v
	}
	if sv, _, ok := pick(events, byMeasurand(socMeasurands)); ok {
		v := sv.Value.Val
		if v >= 0 && v <= 100 {
			out.SoCPercent = &v
		}
	}
	return out
}

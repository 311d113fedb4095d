package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargelink/charge-agent/internal/backend"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestMerge_CarryForwardAbsentNumerics(t *testing.T) {
	prev := Sample{
		EnergyKWh:  f64(3.5),
		PowerKW:    f64(7),
		SoCPercent: f64(60),
		StartedAt:  "2026-08-30T09:00:00Z",
	}
	next := Sample{PowerKW: f64(6.8), Source: SourceDetail}

	out := Merge(prev, next)
	require.NotNil(t, out.EnergyKWh)
	assert.InDelta(t, 3.5, *out.EnergyKWh, 1e-9, "缺失值应从上一拍带入")
	assert.InDelta(t, 6.8, *out.PowerKW, 1e-9, "新值必须覆盖旧值")
	assert.InDelta(t, 60, *out.SoCPercent, 1e-9)
	assert.Equal(t, "2026-08-30T09:00:00Z", out.StartedAt)
}

func TestFromWire_AlternateKeys(t *testing.T) {
	var w backend.WireTelemetry
	raw := `{"meter_kwh":"2.25","soc_pct":41,"power_kw":"11","duration_seconds":"90","created_at":"2026-08-30T09:05:00Z"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	s := FromWire(&w)
	require.NotNil(t, s.EnergyKWh)
	assert.InDelta(t, 2.25, *s.EnergyKWh, 1e-9)
	require.NotNil(t, s.SoCPercent)
	assert.InDelta(t, 41, *s.SoCPercent, 1e-9)
	require.NotNil(t, s.DurationSeconds)
	assert.Equal(t, int64(90), *s.DurationSeconds)
	assert.Equal(t, "2026-08-30T09:05:00Z", s.ObservedAt)
}

func TestApplyProgress_FillsOnlyMissing(t *testing.T) {
	var p backend.Progress
	raw := `{"duration_min":"2","energy_kwh":9.9,"price_total":"12.5","price_unit":1.25}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	s := Sample{EnergyKWh: f64(3)}.ApplyProgress(&p)
	assert.InDelta(t, 3, *s.EnergyKWh, 1e-9, "已有能量不被进度覆盖")
	require.NotNil(t, s.DurationSeconds)
	assert.Equal(t, int64(120), *s.DurationSeconds, "分钟应折算为秒")
	assert.InDelta(t, 12.5, *s.TotalCost, 1e-9)
	assert.InDelta(t, 1.25, *s.PricePerKWh, 1e-9)
}

func TestEffectiveDuration_Cascade(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	d, ok := Sample{DurationSeconds: i64(300)}.EffectiveDuration(now)
	require.True(t, ok)
	assert.Equal(t, int64(300), d)

	d, ok = Sample{StartedAt: "2026-08-30T09:58:00Z"}.EffectiveDuration(now)
	require.True(t, ok)
	assert.Equal(t, int64(120), d)

	_, ok = Sample{}.EffectiveDuration(now)
	assert.False(t, ok)

	_, ok = Sample{StartedAt: "not-a-time"}.EffectiveDuration(now)
	assert.False(t, ok)
}

func mustEvents(t *testing.T, raw string) []backend.MeterEvent {
	t.Helper()
	var events []backend.MeterEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &events))
	return events
}

func TestExtract_PrefersPeriodicOutletSamples(t *testing.T) {
	events := mustEvents(t, `[
		{"timestamp":"2026-08-30T09:10:00Z","sampledValue":[
			{"value":"7350","measurand":"Energy.Active.Import.Register","context":"Transaction.Begin","unit":"Wh"},
			{"value":"7425","measurand":"Energy.Active.Import.Register","context":"Sample.Periodic","unit":"Wh","location":"Outlet"},
			{"value":"7200","measurand":"Power.Active.Import","unit":"W","context":"Sample.Periodic"},
			{"value":"230.1","measurand":"Voltage","phase":"L1-N"},
			{"value":"229","measurand":"Voltage","phase":"L2-N"},
			{"value":"31.4","measurand":"Current.Import"},
			{"value":"58","measurand":"SoC","context":"Sample.Periodic"}
		]}
	]`)

	s := Extract(events)
	require.NotNil(t, s.EnergyKWh)
	assert.InDelta(t, 7.425, *s.EnergyKWh, 1e-9, "应选周期采样并换算 Wh 为 kWh")
	assert.InDelta(t, 7.2, *s.PowerKW, 1e-9, "W 应换算为 kW")
	assert.InDelta(t, 230.1, *s.VoltageV, 1e-9, "L1-N 相位优先")
	assert.InDelta(t, 31.4, *s.CurrentA, 1e-9)
	assert.InDelta(t, 58, *s.SoCPercent, 1e-9)
	assert.Equal(t, SourceEvent, s.Source)
	assert.Equal(t, "2026-08-30T09:10:00Z", s.ObservedAt)
}

func TestExtract_SoCAlternateMeasurandsAndRange(t *testing.T) {
	events := mustEvents(t, `[
		{"sampledValue":[{"value":"55","measurand":"StateOfCharge"}]}
	]`)
	s := Extract(events)
	require.NotNil(t, s.SoCPercent)
	assert.InDelta(t, 55, *s.SoCPercent, 1e-9)

	out := Extract(mustEvents(t, `[{"sampledValue":[{"value":"130","measurand":"SoC"}]}]`))
	assert.Nil(t, out.SoCPercent, "超出 0-100 的电量值应丢弃")
}

func TestExtract_Empty(t *testing.T) {
	s := Extract(nil)
	assert.Nil(t, s.EnergyKWh)
	assert.Equal(t, SourceEvent, s.Source)
}

func TestSoCSmoother_EaseTowardsTarget(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewSoCSmoother(clock)

	s.SetTarget(50)
	assert.InDelta(t, 0, s.Value(), 1e-9, "动画刚起步")

	now = now.Add(300 * time.Millisecond)
	mid := s.Value()
	assert.Greater(t, mid, 40.0, "缓出曲线前半段应已走过大半")
	assert.Less(t, mid, 50.0)

	now = now.Add(time.Second)
	assert.InDelta(t, 50, s.Value(), 1e-9, "超过动画时长后应落在目标值")

	s.Reset()
	assert.InDelta(t, 0, s.Value(), 1e-9)
}

func TestSoCSmoother_RetargetFromCurrentPosition(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewSoCSmoother(clock)

	s.SetTarget(50)
	now = now.Add(time.Second)
	require.InDelta(t, 50, s.Value(), 1e-9)

	s.SetTarget(60)
	assert.InDelta(t, 50, s.Value(), 1e-9, "重设目标应从当前位置起步")
	now = now.Add(time.Second)
	assert.InDelta(t, 60, s.Value(), 1e-9)
}

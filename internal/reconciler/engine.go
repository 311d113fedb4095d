package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chargelink/charge-agent/internal/backend"
	"github.com/chargelink/charge-agent/internal/config"
	"github.com/chargelink/charge-agent/internal/registry"
	"github.com/chargelink/charge-agent/internal/telemetry"
	"github.com/chargelink/charge-agent/internal/txcache"
)

// State 对账状态机状态
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateCharging State = "charging"
	StateStopping State = "stopping"
	// StateStopped 停止已确认的终态展示状态；下一次稳态刷新
	// 确认桩就绪后回到 StateIdle
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Ordinal 状态序号（指标用）
func (s State) Ordinal() int {
	switch s {
	case StateIdle:
		return 0
	case StateStarting:
		return 1
	case StateCharging:
		return 2
	case StateStopping:
		return 3
	case StateStopped:
		return 4
	case StateError:
		return 5
	}
	return -1
}

var (
	// ErrFlowInProgress 已有启动/停止流程在执行，命令流程串行
	ErrFlowInProgress = errors.New("reconciler: another flow is in progress")
	// ErrAlreadyCharging 已跟踪活跃交易，应先停止
	ErrAlreadyCharging = errors.New("reconciler: transaction already tracked, stop it first")
	// ErrNoTransaction 无法解析出可停止的交易
	ErrNoTransaction = errors.New("reconciler: no resolvable transaction")
	// ErrStartRejected 启动命令被后端明确拒绝
	ErrStartRejected = errors.New("reconciler: start command rejected")
	// ErrStopRejected 停止命令被后端明确拒绝
	ErrStopRejected = errors.New("reconciler: stop command rejected")
	// ErrStopUnconfirmed 停止确认超时且桩未回到就绪状态
	ErrStopUnconfirmed = errors.New("reconciler: stop not confirmed")
)

// Backend 引擎依赖的后端查询/命令面，*backend.API 实现之
type Backend interface {
	StartCommand(ctx context.Context, req backend.StartRequest) (*backend.CommandResult, error)
	StopCommand(ctx context.Context, req backend.StopRequest) (*backend.CommandResult, error)
	SoftReset(ctx context.Context, chargeBoxID string) (*backend.CommandResult, error)
	GetCommandStatus(ctx context.Context, id backend.CommandID) (*backend.CommandResult, error)
	GetSnapshot(ctx context.Context, chargeBoxID string) (*backend.Snapshot, error)
	GetChargerMeta(ctx context.Context, chargeBoxID string) (*backend.ChargerMeta, error)
	GetActiveSession(ctx context.Context, chargeBoxID string) (*backend.SessionDetail, error)
	GetFinalSession(ctx context.Context, transactionID int64) (*backend.SessionDetail, error)
	GetProgress(ctx context.Context, transactionID int64) (*backend.Progress, error)
	GetTelemetry(ctx context.Context, transactionID int64) (*backend.WireTelemetry, error)
	GetLastKnownTransaction(ctx context.Context, chargeBoxID string) (*backend.LastTransaction, error)
	GetMeterValueEvents(ctx context.Context, transactionID int64) ([]backend.MeterEvent, error)
}

// Status 对外发布的聚合视图
type Status struct {
	ChargeBoxID   string           `json:"chargeBoxId"`
	Name          string           `json:"name"`
	State         State            `json:"state"`
	ChargerStatus string           `json:"chargerStatus,omitempty"`
	TransactionID *int64           `json:"transactionId,omitempty"`
	Telemetry     telemetry.Sample `json:"-"`
	SoCDisplay    float64          `json:"socDisplay"`
	Message       string           `json:"message,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Listener 状态发布回调；在引擎内部 goroutine 上同步调用，不得阻塞
type Listener func(Status)

// Engine 单桩会话对账引擎。
// 命令流程（启动/停止）串行执行，稳态刷新在流程期间挂起。
type Engine struct {
	charger  registry.Charger
	api      Backend
	cache    txcache.Store
	cfg      config.ReconcilerConfig
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu            sync.Mutex
	state         State
	trackedTx     *int64
	chargerStatus string
	lastSample    telemetry.Sample
	message       string
	flowActive    bool
	tickCount     int
	listeners     []Listener

	smoother *telemetry.SoCSmoother

	kick chan struct{}
}

// Option 引擎可选配置
type Option func(*Engine)

// WithObserver 注入观察器
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithNow 注入时钟（测试用）
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithListener 注册状态发布回调
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// New 创建引擎；若缓存中有该桩的活跃交易则恢复跟踪
func New(charger registry.Charger, api Backend, cache txcache.Store, cfg config.ReconcilerConfig, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		charger:  charger,
		api:      api,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With(zap.String("charge_box_id", charger.ID)),
		observer: NopObserver(),
		now:      time.Now,
		state:    StateIdle,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.smoother = telemetry.NewSoCSmoother(e.now)

	if entry, err := cache.Load(context.Background(), charger.ID); err == nil && entry.TransactionID > 0 {
		tx := entry.TransactionID
		e.trackedTx = &tx
		e.state = StateCharging
		e.logger.Info("restored tracked transaction from cache", zap.Int64("transaction_id", tx))
	}
	e.observer.StateChanged(charger.ID, e.state.Ordinal())
	return e
}

// ChargeBoxID 引擎负责的桩标识
func (e *Engine) ChargeBoxID() string { return e.charger.ID }

// Status 当前聚合视图
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		ChargeBoxID:   e.charger.ID,
		Name:          e.charger.Name,
		State:         e.state,
		ChargerStatus: e.chargerStatus,
		Telemetry:     e.lastSample,
		SoCDisplay:    e.smoother.Value(),
		Message:       e.message,
		UpdatedAt:     e.now(),
	}
	if e.trackedTx != nil {
		tx := *e.trackedTx
		st.TransactionID = &tx
	}
	return st
}

func (e *Engine) setState(s State, msg string) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.message = msg
	status := e.statusLocked()
	listeners := e.listeners
	e.mu.Unlock()

	if changed {
		e.observer.StateChanged(e.charger.ID, s.Ordinal())
		e.logger.Info("state changed", zap.String("state", string(s)), zap.String("message", msg))
	}
	for _, l := range listeners {
		l(status)
	}
}

func (e *Engine) publish() {
	e.mu.Lock()
	status := e.statusLocked()
	listeners := e.listeners
	e.mu.Unlock()
	for _, l := range listeners {
		l(status)
	}
}

// trackedTransaction 当前跟踪的交易号
func (e *Engine) trackedTransaction() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trackedTx == nil {
		return 0, false
	}
	return *e.trackedTx, true
}

// bindTransaction 绑定交易身份并落盘
func (e *Engine) bindTransaction(ctx context.Context, tx int64) {
	e.mu.Lock()
	e.trackedTx = &tx
	e.mu.Unlock()
	err := e.cache.Save(ctx, txcache.Entry{
		TransactionID: tx,
		ChargeBoxID:   e.charger.ID,
		ObservedAt:    e.now().UTC(),
	})
	if err != nil {
		// 缓存失败不阻断流程，重启后丢失的只是恢复能力
		e.logger.Warn("persist tracked transaction failed", zap.Error(err))
	}
	e.logger.Info("transaction bound", zap.Int64("transaction_id", tx))
}

// clearTransaction 解除跟踪并清理缓存
func (e *Engine) clearTransaction(ctx context.Context) {
	e.mu.Lock()
	e.trackedTx = nil
	e.lastSample = telemetry.Sample{}
	e.mu.Unlock()
	if err := e.cache.Clear(ctx, e.charger.ID); err != nil {
		e.logger.Warn("clear tracked transaction failed", zap.Error(err))
	}
}

// beginFlow 抢占命令流程；刷新循环看到 flowActive 即挂起
func (e *Engine) beginFlow() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flowActive {
		return ErrFlowInProgress
	}
	e.flowActive = true
	return nil
}

func (e *Engine) endFlow() {
	e.mu.Lock()
	e.flowActive = false
	e.mu.Unlock()
}

// Kick 请求尽快执行一次稳态刷新（事件流提示用）
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// HandleStatusHint 事件流状态提示。事件仅触发权威刷新，不直接改状态。
func (e *Engine) HandleStatusHint(status string) {
	e.logger.Debug("status hint", zap.String("status", status))
	e.Kick()
}

// HandleTelemetryHint 事件流遥测提示。携带交易号时触发权威刷新。
func (e *Engine) HandleTelemetryHint(txID *int64) {
	if txID != nil {
		if tracked, ok := e.trackedTransaction(); !ok || tracked != *txID {
			e.Kick()
			return
		}
	}
	e.Kick()
}

// Run 启动稳态刷新循环，阻塞到 ctx 取消
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.RefreshInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
		case <-e.kick:
			e.refresh(ctx)
		}
	}
}

// refresh 稳态刷新一拍。流程执行期间跳过，避免读到流程中间态。
func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	if e.flowActive {
		e.mu.Unlock()
		return
	}
	e.tickCount++
	tick := e.tickCount
	e.mu.Unlock()

	e.observer.RefreshTick()

	tx, tracked := e.trackedTransaction()
	snap, snapErr := e.api.GetSnapshot(ctx, e.charger.ID)
	if snapErr == nil {
		e.mu.Lock()
		e.chargerStatus = snap.Status
		e.mu.Unlock()
	}

	if !tracked {
		e.refreshUntracked(ctx, snap)
		e.publish()
		return
	}

	e.refreshTracked(ctx, tx, snap, tick)
	e.publish()
}

// refreshUntracked 无跟踪交易时的刷新：尝试发现外部建立的会话
func (e *Engine) refreshUntracked(ctx context.Context, snap *backend.Snapshot) {
	detail, err := e.api.GetActiveSession(ctx, e.charger.ID)
	if err == nil {
		if tx, ok := detail.TransactionID(); ok && !detail.Completed() {
			// 后端存在活跃会话而本地未跟踪：先绑定，停止优先于再次启动
			e.observer.DesyncDetected()
			e.logger.Warn("untracked active session discovered", zap.Int64("transaction_id", tx))
			e.bindTransaction(ctx, tx)
			e.setState(StateCharging, "session discovered")
			return
		}
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateStarting && snap.Ready() {
		// 空闲且桩就绪：电量显示归零
		e.smoother.Reset()
		if state == StateError {
			e.setState(StateIdle, "charger ready")
		} else if state != StateIdle {
			e.setState(StateIdle, "")
		}
	}
	if state == StateStarting {
		// 启动流程结束但身份未确认：继续在稳态里补齐
		if last, err := e.api.GetLastKnownTransaction(ctx, e.charger.ID); err == nil {
			if tx, ok := last.ID(); ok {
				e.bindTransaction(ctx, tx)
				e.setState(StateCharging, "identity confirmed")
			}
		}
	}
}

// refreshTracked 跟踪交易时的刷新：进度、遥测与越权关闭检测
func (e *Engine) refreshTracked(ctx context.Context, tx int64, snap *backend.Snapshot, tick int) {
	detail, err := e.api.GetActiveSession(ctx, e.charger.ID)
	if err == nil && detail.Session != nil {
		if dtx, ok := detail.TransactionID(); !ok || dtx == tx {
			e.applyDetail(ctx, tx, detail)
		}
	}

	// 每三拍核对一次终态会话，捕捉未经本端的关闭
	if tick%3 == 0 {
		if final, err := e.api.GetFinalSession(ctx, tx); err == nil && final.Completed() {
			e.logger.Info("session closed out of band", zap.Int64("transaction_id", tx))
			e.clearTransaction(ctx)
			e.smoother.Reset()
			e.setState(StateIdle, "session closed remotely")
			return
		}
	}

	if snap != nil && snap.Ready() {
		// 桩已回到就绪而交易仍被跟踪：身份失同步
		e.observer.DesyncDetected()
	}
}

// applyDetail 以会话详情为准合并遥测。
// detail 路由未带遥测/进度时回退到专用路由，数值缺口再用计量事件兜底。
func (e *Engine) applyDetail(ctx context.Context, tx int64, detail *backend.SessionDetail) {
	wire := detail.Telemetry
	if wire == nil {
		if t, err := e.api.GetTelemetry(ctx, tx); err == nil {
			wire = t
		}
	}
	progress := detail.Progress
	if progress == nil {
		if p, err := e.api.GetProgress(ctx, tx); err == nil {
			progress = p
		}
	}
	sample := telemetry.FromWire(wire)
	sample = sample.ApplyProgress(progress)
	if detail.Session != nil && detail.Session.StartedAt != "" && sample.StartedAt == "" {
		sample.StartedAt = detail.Session.StartedAt
	}

	if sample.EnergyKWh == nil && sample.PowerKW == nil {
		if events, err := e.api.GetMeterValueEvents(ctx, tx); err == nil && len(events) > 0 {
			sample = telemetry.Merge(telemetry.Extract(events), sample)
		}
	}

	e.mu.Lock()
	sample = telemetry.Merge(e.lastSample, sample)
	e.lastSample = sample
	e.mu.Unlock()

	if sample.SoCPercent != nil {
		e.smoother.SetTarget(*sample.SoCPercent)
	}
	if e.stateIs(StateStarting) || e.stateIs(StateIdle) {
		e.setState(StateCharging, "")
	}
}

func (e *Engine) stateIs(s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == s
}

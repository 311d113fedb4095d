package reconciler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chargelink/charge-agent/internal/backend"
	"github.com/chargelink/charge-agent/internal/poller"
	"github.com/chargelink/charge-agent/internal/transport"
)

// StartCharging 执行启动流程。
// 流程串行：已有流程在执行时立即返回 ErrFlowInProgress。
func (e *Engine) StartCharging(ctx context.Context) error {
	if err := e.beginFlow(); err != nil {
		return err
	}
	defer e.endFlow()

	if _, tracked := e.trackedTransaction(); tracked {
		// 已有跟踪中的交易：停止优先于再次启动
		return ErrAlreadyCharging
	}
	e.setState(StateStarting, "issuing start command")

	// 预检非阻塞：查不到快照不拦截启动
	snap, _ := e.api.GetSnapshot(ctx, e.charger.ID)
	if snap != nil {
		e.mu.Lock()
		e.chargerStatus = snap.Status
		e.mu.Unlock()
	}

	recovered := false
	if snap.Faulted() {
		if err := e.softRecover(ctx); err != nil {
			e.setState(StateError, "soft recovery failed")
			return err
		}
		recovered = true
	}

	res, err := e.startOnce(ctx)
	if err != nil && !recovered && isConflict(err) {
		// 冲突本身不触发复位：被其他会话占用的健康桩不得被复位。
		// 仅当桩同时处于故障/不可用时才软复位并重试一次。
		if cur, serr := e.api.GetSnapshot(ctx, e.charger.ID); serr == nil && cur.Faulted() {
			if rerr := e.softRecover(ctx); rerr != nil {
				e.setState(StateError, "soft recovery failed")
				return rerr
			}
			res, err = e.startOnce(ctx)
		}
	}

	if err != nil {
		// 命令调用失败不等于会话未建立：短窗口内探测一次
		if tx, ok := e.probeSession(ctx, e.cfg.ErrorProbeTimeout); ok {
			e.bindTransaction(ctx, tx)
			e.setState(StateCharging, "session confirmed despite command error")
			return nil
		}
		e.setState(StateError, err.Error())
		return err
	}

	if res.EffectiveStatus().Failed() {
		e.setState(StateError, "start rejected by backend")
		return ErrStartRejected
	}

	if e.cfg.PollCommandStatus && res.ID() != "" {
		if err := e.awaitCommand(ctx, res.ID()); err != nil {
			e.setState(StateError, err.Error())
			return err
		}
	}

	// 命令已被接管，解析交易身份
	if tx, ok := e.probeSession(ctx, e.cfg.IdentityPollTimeout); ok {
		e.bindTransaction(ctx, tx)
		e.setState(StateCharging, "")
		return nil
	}
	if last, lerr := e.api.GetLastKnownTransaction(ctx, e.charger.ID); lerr == nil {
		if tx, ok := last.ID(); ok {
			e.bindTransaction(ctx, tx)
			e.setState(StateCharging, "identity via last known transaction")
			return nil
		}
	}

	// 命令已接受但身份未确认：保持 Starting，由稳态刷新继续补齐
	e.logger.Warn("start accepted but session identity unconfirmed")
	e.setState(StateStarting, "command accepted, awaiting session")
	return nil
}

// startOnce 发出一次启动命令
func (e *Engine) startOnce(ctx context.Context) (*backend.CommandResult, error) {
	res, err := e.api.StartCommand(ctx, backend.StartRequest{
		ChargeBoxID: e.charger.ID,
		IDTag:       e.charger.IDTag,
		ConnectorID: e.charger.Connector,
		Force:       true,
	})
	if err != nil {
		e.observer.CommandIssued("start", "call_error")
		return nil, err
	}
	e.observer.CommandIssued("start", string(res.EffectiveStatus()))
	return res, nil
}

// softRecover 软复位并等待桩重建连接
func (e *Engine) softRecover(ctx context.Context) error {
	e.observer.SoftRecovery()
	e.logger.Warn("attempting soft recovery")
	res, err := e.api.SoftReset(ctx, e.charger.ID)
	if err != nil {
		e.observer.CommandIssued("reset", "call_error")
		return err
	}
	e.observer.CommandIssued("reset", string(res.EffectiveStatus()))

	grace := e.cfg.ResetGrace
	if grace <= 0 {
		grace = 8 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}
	return nil
}

// awaitCommand 轮询命令状态直至终态（策略开关开启时）
func (e *Engine) awaitCommand(ctx context.Context, id backend.CommandID) error {
	res, err := poller.Poll(ctx,
		func(ctx context.Context) (*backend.CommandResult, error) {
			return e.api.GetCommandStatus(ctx, id)
		},
		func(r *backend.CommandResult) bool { return r.EffectiveStatus().Terminal() },
		e.cfg.CommandPollTimeout, e.cfg.IdentityPollInterval)
	if err != nil {
		if errors.Is(err, poller.ErrTimeout) {
			// 命令状态不可得时放弃等待，交由会话探测裁决
			return nil
		}
		return err
	}
	if res.Value.EffectiveStatus().Failed() {
		return ErrStartRejected
	}
	return nil
}

// probeSession 轮询活跃会话直至出现有效交易号
func (e *Engine) probeSession(ctx context.Context, timeout time.Duration) (int64, bool) {
	res, err := poller.Poll(ctx,
		func(ctx context.Context) (*backend.SessionDetail, error) {
			return e.api.GetActiveSession(ctx, e.charger.ID)
		},
		func(d *backend.SessionDetail) bool {
			tx, ok := d.TransactionID()
			return ok && tx > 0 && !d.Completed()
		},
		timeout, e.cfg.IdentityPollInterval)
	if err != nil {
		return 0, false
	}
	tx, _ := res.Value.TransactionID()
	return tx, true
}

// StopCharging 执行停止流程
func (e *Engine) StopCharging(ctx context.Context) error {
	if err := e.beginFlow(); err != nil {
		return err
	}
	defer e.endFlow()

	e.setState(StateStopping, "resolving transaction")
	tx, ok := e.resolveStopTransaction(ctx)
	if !ok {
		e.setState(StateError, "no resolvable transaction")
		return ErrNoTransaction
	}
	e.logger.Info("stopping transaction", zap.Int64("transaction_id", tx))

	res, err := e.api.StopCommand(ctx, backend.StopRequest{
		TransactionID: tx,
		ChargeBoxID:   e.charger.ID,
	})
	if err != nil {
		e.observer.CommandIssued("stop", "call_error")
		// 调用失败时会话可能早已关闭：幂等成功
		if final, ferr := e.api.GetFinalSession(ctx, tx); ferr == nil && final.Completed() {
			e.finalizeStop(ctx, "session already closed")
			return nil
		}
		e.setState(StateError, err.Error())
		return err
	}
	e.observer.CommandIssued("stop", string(res.EffectiveStatus()))
	if res.EffectiveStatus().Failed() {
		e.setState(StateError, "stop rejected by backend")
		return ErrStopRejected
	}

	// 等待终态会话确认
	_, perr := poller.Poll(ctx,
		func(ctx context.Context) (*backend.SessionDetail, error) {
			return e.api.GetFinalSession(ctx, tx)
		},
		func(d *backend.SessionDetail) bool { return d.Completed() },
		e.cfg.StopPollTimeout, e.cfg.StopPollInterval)
	if perr == nil {
		e.finalizeStop(ctx, "")
		return nil
	}
	if !errors.Is(perr, poller.ErrTimeout) {
		return perr
	}

	// 终态确认超时：桩已回到就绪同样视为停止成功
	if snap, serr := e.api.GetSnapshot(ctx, e.charger.ID); serr == nil && snap.Ready() {
		e.finalizeStop(ctx, "confirmed via charger status")
		return nil
	}
	e.setState(StateError, "stop not confirmed")
	return ErrStopUnconfirmed
}

// resolveStopTransaction 交易身份解析级联：
// 本地跟踪、活跃会话、桩元数据中的最后交易号
func (e *Engine) resolveStopTransaction(ctx context.Context) (int64, bool) {
	if tx, ok := e.trackedTransaction(); ok {
		return tx, true
	}
	if detail, err := e.api.GetActiveSession(ctx, e.charger.ID); err == nil {
		if tx, ok := detail.TransactionID(); ok && tx > 0 {
			return tx, true
		}
	}
	if meta, err := e.api.GetChargerMeta(ctx, e.charger.ID); err == nil {
		if tx, ok := meta.LastTx(); ok {
			return tx, true
		}
	}
	return 0, false
}

// finalizeStop 停止确认后的收尾：清缓存、归零电量显示、进入停止终态。
// 回到空闲由稳态刷新在确认桩就绪后完成。
func (e *Engine) finalizeStop(ctx context.Context, msg string) {
	e.clearTransaction(ctx)
	e.smoother.Reset()
	e.setState(StateStopped, msg)
}

// isConflict 命令因桩占用/状态冲突被拒
func isConflict(err error) bool {
	if te, ok := transport.AsError(err); ok {
		return te.IsConflict()
	}
	return false
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	backendpkg "github.com/chargelink/charge-agent/internal/backend"
	cfgpkg "github.com/chargelink/charge-agent/internal/config"
	"github.com/chargelink/charge-agent/internal/health"
	"github.com/chargelink/charge-agent/internal/httpapi"
	"github.com/chargelink/charge-agent/internal/logging"
	"github.com/chargelink/charge-agent/internal/metrics"
	"github.com/chargelink/charge-agent/internal/reconciler"
	"github.com/chargelink/charge-agent/internal/registry"
	"github.com/chargelink/charge-agent/internal/stream"
	"github.com/chargelink/charge-agent/internal/transport"
	"github.com/chargelink/charge-agent/internal/txcache"
)

// transportMetrics 将传输层观测落到指标
type transportMetrics struct {
	m *metrics.AppMetrics
}

func (t transportMetrics) RequestDone(method string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	t.m.TransportRequests.WithLabelValues(method, outcome).Inc()
}

func (t transportMetrics) RetryScheduled() {
	t.m.TransportRetries.Inc()
}

func (t transportMetrics) ErrorSeen(kind string) {
	t.m.TransportErrors.WithLabelValues(kind).Inc()
}

// streamMetrics 将事件流观测落到指标
type streamMetrics struct {
	m *metrics.AppMetrics
}

func (s streamMetrics) EventReceived(eventType string) {
	s.m.StreamEvents.WithLabelValues(eventType).Inc()
}

func (s streamMetrics) ReconnectScheduled() {
	s.m.StreamReconnects.Inc()
}

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	// 4) 后端客户端
	client := transport.New(cfg.Backend, log, transport.WithObserver(transportMetrics{m: appMetrics}))
	api := backendpkg.New(client, log)

	// 5) 活跃交易缓存
	cache, err := txcache.Open(txcache.Config{
		Driver:    cfg.Cache.Driver,
		Path:      cfg.Cache.Path,
		RedisAddr: cfg.Cache.RedisAddr,
		RedisDB:   cfg.Cache.RedisDB,
	})
	if err != nil {
		log.Fatal("open transaction cache", zap.Error(err))
	}

	// 6) 充电桩清单
	chargers, err := registry.Load(cfg.Registry.File)
	if err != nil {
		log.Fatal("load charger registry", zap.Error(err))
	}
	log.Info("charger registry loaded", zap.Int("count", chargers.Len()))

	// 7) 每桩一个对账引擎 + 事件流订阅
	ctx, cancel := context.WithCancel(context.Background())
	subscriber := stream.New(cfg.Backend, cfg.Stream, log, stream.WithObserver(streamMetrics{m: appMetrics}))

	var agents []httpapi.Agent
	var subs []*stream.Subscription
	for _, charger := range chargers.All() {
		eng := reconciler.New(charger, api, cache, cfg.Reconciler, log,
			reconciler.WithObserver(reconciler.MetricsObserver(appMetrics)))
		agents = append(agents, eng)
		go eng.Run(ctx)

		if sub := subscriber.Subscribe(charger.ID, stream.Handlers{
			OnTelemetry: func(ev stream.TelemetryEvent) {
				eng.HandleTelemetryHint(ev.TransactionID.Ptr())
			},
			OnStatusChange: eng.HandleStatusHint,
			OnError: func(err error) {
				log.Debug("stream error", zap.String("charge_box_id", eng.ChargeBoxID()), zap.Error(err))
			},
		}); sub != nil {
			subs = append(subs, sub)
		}
	}

	// 8) 就绪检查：缓存可用 + 后端可达
	agg := health.NewAggregator(health.NewCacheChecker(cache))
	if first := chargers.All(); len(first) > 0 {
		probe := first[0].ID
		agg.AddChecker(health.NewBackendChecker(func(ctx context.Context) error {
			_, err := api.GetSnapshot(ctx, probe)
			if err != nil && transport.StatusOf(err) > 0 {
				// 后端有响应即视为可达
				return nil
			}
			return err
		}))
	}
	readyFn := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return agg.Ready(ctx)
	}

	// 9) 控制面 HTTP 服务
	httpSrv := httpapi.New(cfg.HTTP, agents, log, cfg.Metrics.Path, metricsHandler, readyFn)
	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("charge agent started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("backend", cfg.Backend.BaseURL))

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := cache.Close(); err != nil {
		log.Warn("close transaction cache", zap.Error(err))
	}
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cfgpkg "github.com/chargelink/charge-agent/internal/config"
	"github.com/chargelink/charge-agent/internal/reconciler"
)

// Agent 控制面操作的引擎视角，*reconciler.Engine 实现之
type Agent interface {
	ChargeBoxID() string
	Status() reconciler.Status
	StartCharging(ctx context.Context) error
	StopCharging(ctx context.Context) error
}

// Server 控制面 HTTP 服务封装
type Server struct {
	srv    *http.Server
	router *gin.Engine
	agents map[string]Agent
	logger *zap.Logger
}

// New 创建并配置 Gin + HTTP Server，注册代理路由、健康检查与指标路由
func New(cfg cfgpkg.HTTPConfig, agents []Agent, logger *zap.Logger, metricsPath string, metricsHandler http.Handler, readyFn func() bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		agents: make(map[string]Agent, len(agents)),
		logger: logger,
	}
	for _, a := range agents {
		s.agents[a.ChargeBoxID()] = a
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if metricsHandler != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:ref/state", s.agentState)
		v1.POST("/agents/:ref/start", s.startAgent)
		v1.POST("/agents/:ref/stop", s.stopAgent)
	}
	s.router = r

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router 暴露路由（测试用）
func (s *Server) Router() http.Handler { return s.router }

// Start 启动 HTTP 服务（阻塞）
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) lookup(c *gin.Context) (Agent, bool) {
	a, ok := s.agents[c.Param("ref")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown charge box"})
	}
	return a, ok
}

func (s *Server) listAgents(c *gin.Context) {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]reconciler.Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.agents[id].Status())
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (s *Server) agentState(c *gin.Context) {
	a, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

// startAgent 异步执行启动流程。启动确认可达数十秒，
// 响应 202 后由 /state 路由跟踪结果。
func (s *Server) startAgent(c *gin.Context) {
	a, ok := s.lookup(c)
	if !ok {
		return
	}
	go func() {
		if err := a.StartCharging(context.Background()); err != nil {
			s.logger.Warn("start flow failed",
				zap.String("charge_box_id", a.ChargeBoxID()), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, a.Status())
}

func (s *Server) stopAgent(c *gin.Context) {
	a, ok := s.lookup(c)
	if !ok {
		return
	}
	go func() {
		err := a.StopCharging(context.Background())
		if err != nil && !errors.Is(err, reconciler.ErrFlowInProgress) {
			s.logger.Warn("stop flow failed",
				zap.String("charge_box_id", a.ChargeBoxID()), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, a.Status())
}

// Package api 提供 HTTP API 处理器
//
// 本包实现 Agent 托管平台的对外接口，包括：
//   - A2A JSON-RPC（按 Agent 寻址的任务接口）
//   - SSE 事件流（按 Context 寻址）
//   - WebSocket 事件流镜像
//   - 健康检查与 Prometheus 指标
//
// 文件组织：
//   - handler.go: Handler 定义与路由配置
//   - common.go:  通用工具函数与错误映射
//   - a2a.go:     A2A JSON-RPC 方法（message/send、tasks/get、tasks/cancel）
//   - stream.go:  SSE 事件流
//   - ws.go:      WebSocket 事件流镜像
//   - auth.go:    JWT 认证中间件
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agenthost/internal/agent/runner"
	"agenthost/internal/config"
	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/storage"
	"agenthost/pkg/logging"
)

// Handler API 处理器
//
// Handler 是所有 HTTP 接口的入口，负责：
//   - 路由请求到对应的处理函数
//   - 把 JSON-RPC 方法分发到各 Agent 的任务运行器
//   - 把事件总线桥接到 SSE / WebSocket 订阅者
type Handler struct {
	cfg     *config.Config
	store   storage.TaskStore
	bus     eventbus.Bus
	runners map[string]*runner.Runner
	logger  *logging.Logger
}

// NewHandler 创建 Handler 实例
//
// runners 以 Agent 名为键；未注册的 Agent 的 RPC 请求返回
// JSON-RPC 错误而非 404。
func NewHandler(cfg *config.Config, store storage.TaskStore, bus eventbus.Bus, runners map[string]*runner.Runner) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		runners: runners,
		logger:  logging.Default("api"),
	}
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// A2A:
//   - POST /api/v1/agents/{name} - JSON-RPC 2.0 信封
//     （message/send、tasks/get、tasks/cancel）
//
// 事件流:
//   - GET /api/v1/contexts/{context_id}/stream - SSE
//   - GET /api/v1/contexts/{context_id}/ws     - WebSocket 镜像
//
// 可观测:
//   - GET /metrics - Prometheus 指标
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/agents/{name}", h.AgentRPC)
	mux.HandleFunc("GET /api/v1/contexts/{context_id}/stream", h.StreamContext)
	mux.HandleFunc("GET /api/v1/contexts/{context_id}/ws", h.StreamContextWS)

	return Middleware(h.cfg.JWTSecret)(h.withRequestLog(mux))
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withRequestLog HTTP 请求日志中间件
func (h *Handler) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.HTTPRequestLog(r.Method, r.URL.Path, rec.status, time.Since(start), r.RemoteAddr)
	})
}

package http

import (
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"ops-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	audit      *middleware.AuditMiddleware
	rateQPS    float64
	rateBurst  int
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, middleware *middleware.Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: middleware,
	}
}

// SetAudit 启用操作审计
func (r *Router) SetAudit(a *middleware.AuditMiddleware) {
	r.audit = a
}

// SetRateLimit 设置 /api 下接口的全局限流
func (r *Router) SetRateLimit(qps float64, burst int) {
	r.rateQPS = qps
	r.rateBurst = burst
}

// Build 创建 Hertz 实例并注册路由，addr 如 ":8080"
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(opts...)
	h.Use(recovery.Recovery(), r.middleware.AccessLog())
	if r.audit != nil {
		h.Use(r.audit.AuditAccess())
	}

	h.GET("/metrics", r.handler.Metrics)
	h.POST("/event-callback", r.handler.EventCallback)
	h.POST("/slack/events", r.handler.SlackEvents)

	api := h.Group("/api", r.middleware.CORS(), r.middleware.RateLimit(r.rateQPS, r.rateBurst))
	api.GET("/health", r.handler.HealthCheck)

	api.POST("/events", r.handler.PublishEvent)
	api.POST("/actions", r.handler.InvokeAction)
	api.POST("/objects/notify", r.handler.NotifyObject)

	executions := api.Group("/executions")
	{
		executions.GET("/:id", r.handler.GetExecution)
		executions.GET("/:id/trace", r.handler.GetExecutionTrace)
		executions.POST("/:id/stop", r.handler.StopExecution)
	}
	api.POST("/workflows/:name/start", r.handler.StartWorkflow)
	api.GET("/queues/:name", r.handler.QueueStats)

	return h
}

package server

import (
	"net/http"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/metrics"
	"chathub/internal/mw"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 入口层按 IP+路由限流，业务级限流（send/read）在 handler 里走 redis。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/messages", h.ListMessages)
	authed.POST("/messages", h.SendMessage)
	authed.PATCH("/messages/:id/read", h.MarkMessageRead)
	authed.GET("/notifications", h.ListNotifications)
	authed.PATCH("/notifications/:id/read", h.ReadNotification)

	r.GET("/ws", gw.Serve())

	return r
}

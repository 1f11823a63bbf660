package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_events_total",
		Help: "Total number of inbound websocket events by type",
	}, []string{"event"})
	WsBroadcastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_broadcast_total",
		Help: "Total number of events broadcast to rooms by type",
	}, []string{"event"})
	MessagesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_created_total",
		Help: "Total number of messages persisted",
	})
	MessagesDedupedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_deduped_total",
		Help: "Total number of sends answered from an existing client_msg_id",
	})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Total number of actions rejected by the rate limiter",
	}, []string{"action"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsEventsTotal, WsBroadcastTotal,
		MessagesCreatedTotal, MessagesDedupedTotal, RateLimitedTotal,
		HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

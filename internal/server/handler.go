package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/metrics"
	"chathub/internal/notify"
	"chathub/internal/pagination"
	"chathub/internal/ratelimit"
	"chathub/internal/service"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
// REST 与 websocket 两条路径共用同一批 service，校验与排序规则完全一致。
type Handler struct {
	cfg     config.Config
	userSvc *service.UserService
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
	notiSvc *notify.Service
	hub     *ws.Hub
	limiter *ratelimit.Limiter
}

func NewHandler(cfg config.Config, userSvc *service.UserService, convSvc *service.ConversationService,
	msgSvc *service.MessageService, notiSvc *notify.Service, hub *ws.Hub, limiter *ratelimit.Limiter) *Handler {
	return &Handler{cfg: cfg, userSvc: userSvc, convSvc: convSvc, msgSvc: msgSvc, notiSvc: notiSvc, hub: hub, limiter: limiter}
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrUserBanned):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrConversationGone),
		errors.Is(err, notify.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidID), errors.Is(err, service.ErrInvalidMemberIDs),
		errors.Is(err, service.ErrInvalidConvType), errors.Is(err, service.ErrInvalidMessageType),
		errors.Is(err, service.ErrContentRequired), errors.Is(err, service.ErrContentTooLong),
		errors.Is(err, service.ErrNameTooLong), errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortSvcErr(c *gin.Context, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(status, gin.H{"error": "INTERNAL"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if errors.Is(err, service.ErrUserBanned) {
			c.JSON(http.StatusForbidden, gin.H{"error": "USER_BANNED"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateConversation 创建单聊或群聊。
func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		MemberIDs []uint `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := h.convSvc.Create(c.Request.Context(), auth.GetUserID(c), req.Type, strings.TrimSpace(req.Name), req.MemberIDs)
	if err != nil {
		abortSvcErr(c, err, "create conversation")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations 返回当前用户的会话列表（游标分页）。
func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, next, err := h.convSvc.List(c.Request.Context(), auth.GetUserID(c), c.Query("cursor"), limit)
	if err != nil {
		abortSvcErr(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "nextCursor": next})
}

// ListMessages 返回会话消息（游标分页，升序返回）。
func (h *Handler) ListMessages(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Query("conversationId"), 10, 64)
	if err != nil || convID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, next, err := h.msgSvc.List(c.Request.Context(), uint(convID), auth.GetUserID(c), c.Query("cursor"), limit)
	if err != nil {
		abortSvcErr(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "nextCursor": next})
}

// SendMessage 是发消息的 REST 入口，与 ws 的 msg:send 走同一套
// 限流、校验与广播。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		ConversationID uint            `json:"conversationId"`
		Type           string          `json:"type"`
		Content        string          `json:"content"`
		FileURL        string          `json:"fileUrl"`
		Metadata       datatypes.JSON  `json:"metadata"`
		ClientMsgID    string          `json:"clientMsgId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	userID := auth.GetUserID(c)
	allowed, err := h.limiter.Allow(c.Request.Context(), "send:"+strconv.FormatUint(uint64(userID), 10),
		h.cfg.SendLimitPerMinute, time.Minute)
	if err != nil {
		abortSvcErr(c, err, "send rate limit")
		return
	}
	if !allowed {
		metrics.RateLimitedTotal.WithLabelValues("send").Inc()
		abortSvcErr(c, service.ErrRateLimited, "send message")
		return
	}

	msg, created, err := h.msgSvc.Create(c.Request.Context(), service.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Type:           req.Type,
		Content:        req.Content,
		FileURL:        req.FileURL,
		Metadata:       req.Metadata,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		abortSvcErr(c, err, "send message")
		return
	}
	if created {
		if err := h.hub.Broadcast(c.Request.Context(), ws.RoomKey(msg.ConversationID), "msg:new", msg); err != nil {
			log.Warn().Err(err).Uint("message_id", msg.ID).Msg("broadcast msg:new")
		}
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkMessageRead 标记消息已读并向房间广播回执。
func (h *Handler) MarkMessageRead(c *gin.Context) {
	msgID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || msgID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	userID := auth.GetUserID(c)
	allowed, err := h.limiter.Allow(c.Request.Context(), "read:"+strconv.FormatUint(uint64(userID), 10),
		h.cfg.ReadLimitPerMinute, time.Minute)
	if err != nil {
		abortSvcErr(c, err, "read rate limit")
		return
	}
	if !allowed {
		metrics.RateLimitedTotal.WithLabelValues("read").Inc()
		abortSvcErr(c, service.ErrRateLimited, "mark message read")
		return
	}

	msg, err := h.msgSvc.MarkRead(c.Request.Context(), uint(msgID), userID)
	if err != nil {
		abortSvcErr(c, err, "mark message read")
		return
	}
	evt := gin.H{
		"messageId":      msg.ID,
		"userId":         userID,
		"readBy":         msg.ReadBy,
		"conversationId": msg.ConversationID,
	}
	if err := h.hub.Broadcast(c.Request.Context(), ws.RoomKey(msg.ConversationID), "message:readBy", evt); err != nil {
		log.Warn().Err(err).Uint("message_id", msg.ID).Msg("broadcast message:readBy")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "messageId": msg.ID, "readBy": msg.ReadBy, "conversationId": msg.ConversationID})
}

// ListNotifications 返回当前用户的通知（游标分页）。
func (h *Handler) ListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	unreadOnly := c.Query("unreadOnly") == "true"
	rows, next, err := h.notiSvc.List(c.Request.Context(), auth.GetUserID(c), c.Query("cursor"), limit, unreadOnly)
	if err != nil {
		abortSvcErr(c, err, "list notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "nextCursor": next})
}

// ReadNotification 把一条通知置为已读。
func (h *Handler) ReadNotification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := h.notiSvc.MarkRead(c.Request.Context(), uint(id), auth.GetUserID(c)); err != nil {
		abortSvcErr(c, err, "read notification")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/presence"
	"chathub/internal/ratelimit"
	"chathub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const opTimeout = 5 * time.Second

// Frame 是双向的事件信封。客户端带 ack 序号的请求会收到
// event=ack、相同序号的应答帧。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

type ackPayload struct {
	OK    bool   `json:"ok"`
	ID    uint   `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Gateway 聚合实时链路的依赖，负责连接握手与事件分发。
type Gateway struct {
	cfg      config.Config
	db       *gorm.DB
	hub      *Hub
	members  service.MemberSource
	limiter  *ratelimit.Limiter
	msgs     *service.MessageService
	presence *presence.Tracker
}

func NewGateway(cfg config.Config, db *gorm.DB, hub *Hub, members service.MemberSource,
	limiter *ratelimit.Limiter, msgs *service.MessageService, tracker *presence.Tracker) *Gateway {
	return &Gateway{cfg: cfg, db: db, hub: hub, members: members, limiter: limiter, msgs: msgs, presence: tracker}
}

type Client struct {
	id     string
	hub    *Hub
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	userID uint
	closed bool // hub 锁保护

	// 每个 (连接, 会话) 一个 typing 过期定时器
	tmu    sync.Mutex
	typing map[uint]*time.Timer
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 处理 websocket 握手：连接时鉴权一次，失败直接拒绝，
// 不会处理任何事件。dev 环境允许用受信 header 直接指定用户。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := g.authenticate(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		var user models.User
		if err := g.db.First(&user, userID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		if !user.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "USER_BANNED"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:     uuid.NewString(),
			hub:    g.hub,
			gw:     g,
			conn:   conn,
			send:   make(chan []byte, 256),
			userID: user.ID,
			typing: make(map[uint]*time.Timer),
		}
		g.hub.add(client)
		metrics.WsConnections.Inc()

		ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
		if err := g.presence.Connected(ctx, client.userID, client.id); err != nil {
			log.Warn().Err(err).Uint("user_id", client.userID).Msg("ws: presence connect")
		}
		cancel()

		go client.writePump()
		client.readPump()
	}
}

// authenticate 从 token query 参数或 Bearer header 取签名 token。
func (g *Gateway) authenticate(c *gin.Context) uint {
	if g.cfg.Env == "dev" {
		if v := c.GetHeader("X-User-ID"); v != "" {
			if id, err := strconv.ParseUint(v, 10, 64); err == nil && id > 0 {
				return uint(id)
			}
		}
	}
	token := c.Query("token")
	if token == "" {
		authz := c.GetHeader("Authorization")
		if len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
	}
	if token == "" {
		return 0
	}
	claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
	if err != nil {
		return 0
	}
	return claims.UserID
}

func (c *Client) readPump() {
	defer func() {
		c.stopAllTyping()
		c.hub.remove(c)
		c.gw.presence.Disconnected(c.userID, c.id)
		metrics.WsConnections.Dec()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		metrics.WsEventsTotal.WithLabelValues(f.Event).Inc()
		c.handle(f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(f Frame) {
	switch f.Event {
	case "join":
		c.onJoin(f)
	case "leave":
		c.onLeave(f)
	case "msg:send":
		c.onSend(f)
	case "message:read":
		c.onRead(f)
	case "typing:start":
		c.onTyping(f, true)
	case "typing:stop":
		c.onTyping(f, false)
	}
}

// ack 回发应答帧；客户端没带 ack 序号就不回。
func (c *Client) ack(f Frame, p ackPayload) {
	if f.Ack == 0 {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	b, err := json.Marshal(Frame{Event: "ack", Ack: f.Ack, Data: data})
	if err != nil {
		return
	}
	// 经 hub 投递：连接可能已被总线侧作为慢客户端摘除
	c.hub.trySend(c, b)
}

type joinPayload struct {
	ConversationID uint `json:"conversationId"`
}

func (c *Client) onJoin(f Frame) {
	var p joinPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ConversationID == 0 {
		c.ack(f, ackPayload{OK: false, Error: "INVALID_ID"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ok, err := c.gw.members.IsMember(ctx, p.ConversationID, c.userID)
	if err != nil {
		c.ack(f, ackPayload{OK: false, Error: "INTERNAL"})
		return
	}
	if !ok {
		c.ack(f, ackPayload{OK: false, Error: "FORBIDDEN"})
		return
	}
	c.hub.Join(c, RoomKey(p.ConversationID))
	c.ack(f, ackPayload{OK: true})
}

func (c *Client) onLeave(f Frame) {
	var p joinPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ConversationID == 0 {
		return
	}
	c.hub.Leave(c, RoomKey(p.ConversationID))
}

type sendPayload struct {
	ConversationID uint           `json:"conversationId"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	FileURL        string         `json:"fileUrl"`
	Metadata       datatypes.JSON `json:"metadata"`
	ClientMsgID    string         `json:"clientMsgId"`
}

func (c *Client) onSend(f Frame) {
	var p sendPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		c.ack(f, ackPayload{OK: false, Error: "INVALID_PAYLOAD"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, err := c.gw.limiter.Allow(ctx, "send:"+strconv.FormatUint(uint64(c.userID), 10),
		c.gw.cfg.SendLimitPerMinute, time.Minute)
	if err != nil {
		c.ack(f, ackPayload{OK: false, Error: "INTERNAL"})
		return
	}
	if !allowed {
		metrics.RateLimitedTotal.WithLabelValues("send").Inc()
		c.ack(f, ackPayload{OK: false, Error: service.ErrRateLimited.Error()})
		return
	}

	msg, created, err := c.gw.msgs.Create(ctx, service.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       c.userID,
		Type:           p.Type,
		Content:        p.Content,
		FileURL:        p.FileURL,
		Metadata:       p.Metadata,
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		c.ack(f, ackPayload{OK: false, Error: errCode(err, "SEND_FAILED")})
		return
	}
	c.ack(f, ackPayload{OK: true, ID: msg.ID})
	// 去重命中不再二次广播：第一次创建时已经发过 msg:new
	if created {
		if err := c.hub.Broadcast(ctx, RoomKey(msg.ConversationID), "msg:new", msg); err != nil {
			log.Warn().Err(err).Uint("message_id", msg.ID).Msg("ws: broadcast msg:new")
		}
	}
}

type readPayload struct {
	MessageID uint `json:"messageId"`
}

type readByPayload struct {
	MessageID      uint   `json:"messageId"`
	UserID         uint   `json:"userId"`
	ReadBy         []uint `json:"readBy"`
	ConversationID uint   `json:"conversationId"`
}

func (c *Client) onRead(f Frame) {
	var p readPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.MessageID == 0 {
		c.ack(f, ackPayload{OK: false, Error: "INVALID_ID"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, err := c.gw.limiter.Allow(ctx, "read:"+strconv.FormatUint(uint64(c.userID), 10),
		c.gw.cfg.ReadLimitPerMinute, time.Minute)
	if err != nil {
		c.ack(f, ackPayload{OK: false, Error: "INTERNAL"})
		return
	}
	if !allowed {
		metrics.RateLimitedTotal.WithLabelValues("read").Inc()
		c.ack(f, ackPayload{OK: false, Error: service.ErrRateLimited.Error()})
		return
	}

	msg, err := c.gw.msgs.MarkRead(ctx, p.MessageID, c.userID)
	if err != nil {
		c.ack(f, ackPayload{OK: false, Error: errCode(err, "READ_FAILED")})
		return
	}
	c.ack(f, ackPayload{OK: true})
	evt := readByPayload{
		MessageID:      msg.ID,
		UserID:         c.userID,
		ReadBy:         msg.ReadBy,
		ConversationID: msg.ConversationID,
	}
	if err := c.hub.Broadcast(ctx, RoomKey(msg.ConversationID), "message:readBy", evt); err != nil {
		log.Warn().Err(err).Uint("message_id", msg.ID).Msg("ws: broadcast message:readBy")
	}
}

type typingPayload struct {
	ConversationID uint `json:"conversationId"`
	UserID         uint `json:"userId,omitempty"`
	IsTyping       bool `json:"isTyping"`
}

// onTyping 处理 typing:start / typing:stop（无 ack）。
// start 启动一个过期定时器，到点自动广播隐式 stop；
// 重复 start 只重置定时器，不重发 isTyping:true。
func (c *Client) onTyping(f Frame, start bool) {
	var p typingPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ConversationID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ok, err := c.gw.members.IsMember(ctx, p.ConversationID, c.userID)
	if err != nil || !ok {
		return
	}

	convID := p.ConversationID
	if start {
		c.tmu.Lock()
		if timer, exists := c.typing[convID]; exists {
			timer.Reset(c.gw.cfg.TypingTTL)
			c.tmu.Unlock()
			return
		}
		c.typing[convID] = time.AfterFunc(c.gw.cfg.TypingTTL, func() {
			c.tmu.Lock()
			delete(c.typing, convID)
			c.tmu.Unlock()
			c.broadcastTyping(convID, false)
		})
		c.tmu.Unlock()
		c.broadcastTyping(convID, true)
		return
	}

	c.tmu.Lock()
	if timer, exists := c.typing[convID]; exists {
		timer.Stop()
		delete(c.typing, convID)
	}
	c.tmu.Unlock()
	c.broadcastTyping(convID, false)
}

func (c *Client) broadcastTyping(conversationID uint, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	evt := typingPayload{ConversationID: conversationID, UserID: c.userID, IsTyping: isTyping}
	if err := c.hub.Broadcast(ctx, RoomKey(conversationID), "typing", evt); err != nil {
		log.Warn().Err(err).Uint("conversation_id", conversationID).Msg("ws: broadcast typing")
	}
}

// stopAllTyping 断连清理：取消全部定时器并补发隐式 stop，避免定时器泄漏。
func (c *Client) stopAllTyping() {
	c.tmu.Lock()
	convs := make([]uint, 0, len(c.typing))
	for convID, timer := range c.typing {
		timer.Stop()
		convs = append(convs, convID)
		delete(c.typing, convID)
	}
	c.tmu.Unlock()
	for _, convID := range convs {
		c.broadcastTyping(convID, false)
	}
}

// errCode 把业务 sentinel 错误映射为 ack 错误码，其余归为兜底码。
func errCode(err error, fallback string) string {
	for _, sentinel := range []error{
		service.ErrForbidden, service.ErrUserBanned, service.ErrNotFound,
		service.ErrConversationGone, service.ErrContentRequired, service.ErrContentTooLong,
		service.ErrInvalidMessageType, service.ErrInvalidID, service.ErrRateLimited,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return fallback
}

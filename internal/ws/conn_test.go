package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"chathub/internal/config"
	"chathub/internal/db"
	"chathub/internal/models"
	"chathub/internal/presence"
	"chathub/internal/pubsub"
	"chathub/internal/ratelimit"
	"chathub/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubMembers 用静态成员表控制鉴权结果。
type stubMembers struct {
	byConv map[uint][]uint
}

func (s *stubMembers) Members(_ context.Context, conversationID uint) ([]uint, error) {
	return s.byConv[conversationID], nil
}

func (s *stubMembers) IsMember(_ context.Context, conversationID, userID uint) (bool, error) {
	for _, id := range s.byConv[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubMembers) Invalidate(_ context.Context, _ uint) error { return nil }

type gatewayRig struct {
	gw  *Gateway
	hub *Hub
	gdb *gorm.DB
}

func newTestGateway(t *testing.T, members *stubMembers, cfg config.Config) *gatewayRig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := pubsub.NewMemoryBus()
	hub := NewHub(bus)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("hub start: %v", err)
	}

	limiter := ratelimit.New(rdb)
	tracker := presence.NewTracker(rdb, gdb, bus, time.Second)
	t.Cleanup(tracker.Stop)
	msgs := service.NewMessageService(gdb, members, nil)

	return &gatewayRig{gw: NewGateway(cfg, gdb, hub, members, limiter, msgs, tracker), hub: hub, gdb: gdb}
}

func testGatewayConfig() config.Config {
	return config.Config{
		Env:                "test",
		JWTSecret:          "secret",
		SendLimitPerMinute: 120,
		ReadLimitPerMinute: 300,
		TypingTTL:          80 * time.Millisecond,
	}
}

func (r *gatewayRig) client(id string, userID uint) *Client {
	c := &Client{
		id:     id,
		hub:    r.hub,
		gw:     r.gw,
		send:   make(chan []byte, 16),
		userID: userID,
		typing: make(map[uint]*time.Timer),
	}
	r.hub.add(c)
	return c
}

func (r *gatewayRig) seedUser(t *testing.T, id uint, active bool) {
	t.Helper()
	err := r.gdb.Create(&models.User{
		ID: id, Username: fmt.Sprintf("u%d", id), PasswordHash: "x", Status: "offline", IsActive: active,
	}).Error
	if err != nil {
		t.Fatalf("seed user %d: %v", id, err)
	}
}

func mkFrame(t *testing.T, event string, ack uint64, payload interface{}) Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Frame{Event: event, Data: data, Ack: ack}
}

func awaitFrame(t *testing.T, c *Client, timeout time.Duration) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(timeout):
		t.Fatal("no frame within timeout")
	}
	return Frame{}
}

func decodeAck(t *testing.T, f Frame) ackPayload {
	t.Helper()
	if f.Event != "ack" {
		t.Fatalf("frame event = %q, want ack", f.Event)
	}
	var p ackPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return p
}

func assertNoFrame(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(wait):
	}
}

func TestHandle_JoinAck(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	c := rig.client("s", 1)

	c.handle(mkFrame(t, "join", 1, joinPayload{ConversationID: 1}))
	ack := decodeAck(t, awaitFrame(t, c, time.Second))
	if !ack.OK {
		t.Fatalf("join ack = %+v, want ok", ack)
	}
	if online := rig.hub.Online(RoomKey(1)); online != 1 {
		t.Errorf("Online() = %d, want 1", online)
	}

	c.handle(mkFrame(t, "join", 2, joinPayload{ConversationID: 2}))
	ack = decodeAck(t, awaitFrame(t, c, time.Second))
	if ack.OK || ack.Error != "FORBIDDEN" {
		t.Errorf("non-member join ack = %+v, want FORBIDDEN", ack)
	}
	if online := rig.hub.Online(RoomKey(2)); online != 0 {
		t.Errorf("Online() after rejected join = %d, want 0", online)
	}

	c.handle(mkFrame(t, "join", 3, joinPayload{ConversationID: 0}))
	ack = decodeAck(t, awaitFrame(t, c, time.Second))
	if ack.OK || ack.Error != "INVALID_ID" {
		t.Errorf("zero-id join ack = %+v, want INVALID_ID", ack)
	}
}

func TestHandle_SendAckAndBroadcast(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	rig.seedUser(t, 1, true)

	sender := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))

	c1 := sendPayload{ConversationID: 1, Content: "hi", ClientMsgID: "c-1"}
	sender.handle(mkFrame(t, "msg:send", 7, c1))
	ack := decodeAck(t, awaitFrame(t, sender, time.Second))
	if !ack.OK || ack.ID == 0 {
		t.Fatalf("send ack = %+v, want ok with id", ack)
	}

	f := awaitFrame(t, obs, time.Second)
	if f.Event != "msg:new" {
		t.Fatalf("room event = %q, want msg:new", f.Event)
	}
	var msg service.MessageDTO
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("unmarshal msg:new: %v", err)
	}
	if msg.ID != ack.ID || msg.Content != "hi" {
		t.Errorf("msg:new = %+v, want id %d content hi", msg, ack.ID)
	}

	// 同 clientMsgId 重发: 同一个 id, 不再广播
	sender.handle(mkFrame(t, "msg:send", 8, c1))
	ack2 := decodeAck(t, awaitFrame(t, sender, time.Second))
	if !ack2.OK || ack2.ID != ack.ID {
		t.Errorf("dedupe ack = %+v, want ok with id %d", ack2, ack.ID)
	}
	assertNoFrame(t, obs, 100*time.Millisecond)
}

func TestHandle_SendErrors(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 4}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	rig.seedUser(t, 1, true)
	rig.seedUser(t, 3, true)
	rig.seedUser(t, 4, false)

	c := rig.client("s", 1)
	c.handle(mkFrame(t, "msg:send", 1, sendPayload{ConversationID: 1}))
	ack := decodeAck(t, awaitFrame(t, c, time.Second))
	if ack.OK || ack.Error != "CONTENT_REQUIRED" {
		t.Errorf("empty content ack = %+v, want CONTENT_REQUIRED", ack)
	}

	outsider := rig.client("x", 3)
	outsider.handle(mkFrame(t, "msg:send", 2, sendPayload{ConversationID: 1, Content: "hi"}))
	ack = decodeAck(t, awaitFrame(t, outsider, time.Second))
	if ack.OK || ack.Error != "FORBIDDEN" {
		t.Errorf("non-member ack = %+v, want FORBIDDEN", ack)
	}

	banned := rig.client("b", 4)
	banned.handle(mkFrame(t, "msg:send", 3, sendPayload{ConversationID: 1, Content: "hi"}))
	ack = decodeAck(t, awaitFrame(t, banned, time.Second))
	if ack.OK || ack.Error != "USER_BANNED" {
		t.Errorf("banned sender ack = %+v, want USER_BANNED", ack)
	}
}

func TestHandle_SendRateLimited(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1}}}
	cfg := testGatewayConfig()
	cfg.SendLimitPerMinute = 1
	rig := newTestGateway(t, members, cfg)
	rig.seedUser(t, 1, true)

	c := rig.client("s", 1)
	c.handle(mkFrame(t, "msg:send", 1, sendPayload{ConversationID: 1, Content: "one", ClientMsgID: "c-1"}))
	if ack := decodeAck(t, awaitFrame(t, c, time.Second)); !ack.OK {
		t.Fatalf("first send ack = %+v, want ok", ack)
	}

	c.handle(mkFrame(t, "msg:send", 2, sendPayload{ConversationID: 1, Content: "two", ClientMsgID: "c-2"}))
	ack := decodeAck(t, awaitFrame(t, c, time.Second))
	if ack.OK || ack.Error != "RATE_LIMITED" {
		t.Errorf("over-limit ack = %+v, want RATE_LIMITED", ack)
	}
}

func TestHandle_ReadAck(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	rig.seedUser(t, 1, true)
	rig.seedUser(t, 2, true)

	msg := models.Message{ConversationID: 1, SenderID: 1, Type: models.MessageText, Content: "hi", CreatedAt: time.Now().UTC()}
	if err := rig.gdb.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}

	reader := rig.client("r", 2)
	obs := rig.client("o", 1)
	rig.hub.Join(obs, RoomKey(1))

	reader.handle(mkFrame(t, "message:read", 1, readPayload{MessageID: msg.ID}))
	if ack := decodeAck(t, awaitFrame(t, reader, time.Second)); !ack.OK {
		t.Fatalf("read ack = %+v, want ok", ack)
	}

	f := awaitFrame(t, obs, time.Second)
	if f.Event != "message:readBy" {
		t.Fatalf("room event = %q, want message:readBy", f.Event)
	}
	var evt readByPayload
	if err := json.Unmarshal(f.Data, &evt); err != nil {
		t.Fatalf("unmarshal readBy: %v", err)
	}
	if evt.MessageID != msg.ID || evt.UserID != 2 || len(evt.ReadBy) != 1 || evt.ReadBy[0] != 2 {
		t.Errorf("readBy event = %+v, want message %d readBy [2]", evt, msg.ID)
	}

	reader.handle(mkFrame(t, "message:read", 2, readPayload{MessageID: 9999}))
	ack := decodeAck(t, awaitFrame(t, reader, time.Second))
	if ack.OK || ack.Error != "MESSAGE_NOT_FOUND" {
		t.Errorf("missing message ack = %+v, want MESSAGE_NOT_FOUND", ack)
	}
}

func typingEvent(t *testing.T, f Frame) typingPayload {
	t.Helper()
	if f.Event != "typing" {
		t.Fatalf("frame event = %q, want typing", f.Event)
	}
	var p typingPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	return p
}

func TestTyping_AutoExpires(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}}}
	rig := newTestGateway(t, members, testGatewayConfig())

	typer := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))

	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	evt := typingEvent(t, awaitFrame(t, obs, time.Second))
	if !evt.IsTyping || evt.UserID != 1 || evt.ConversationID != 1 {
		t.Fatalf("typing event = %+v, want isTyping true from user 1", evt)
	}

	// 不再续签, TTL 到期自动补发隐式 stop
	evt = typingEvent(t, awaitFrame(t, obs, time.Second))
	if evt.IsTyping {
		t.Errorf("auto-expiry event = %+v, want isTyping false", evt)
	}
	typer.tmu.Lock()
	pending := len(typer.typing)
	typer.tmu.Unlock()
	if pending != 0 {
		t.Errorf("typing timers after expiry = %d, want 0", pending)
	}
}

func TestTyping_RestartResetsWithoutRebroadcast(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}}}
	cfg := testGatewayConfig()
	cfg.TypingTTL = 150 * time.Millisecond
	rig := newTestGateway(t, members, cfg)

	typer := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))

	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	if evt := typingEvent(t, awaitFrame(t, obs, time.Second)); !evt.IsTyping {
		t.Fatalf("first start event = %+v, want isTyping true", evt)
	}

	// 计时器挂着时重复 start 只重置, 不重发 isTyping:true
	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	if len(obs.send) != 0 {
		t.Fatalf("restart rebroadcast: %d frames buffered, want 0", len(obs.send))
	}

	evt := typingEvent(t, awaitFrame(t, obs, time.Second))
	if evt.IsTyping {
		t.Errorf("expiry after restart = %+v, want isTyping false", evt)
	}
	assertNoFrame(t, obs, 300*time.Millisecond)
}

func TestTyping_ExplicitStopCancelsTimer(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}}}
	cfg := testGatewayConfig()
	cfg.TypingTTL = 200 * time.Millisecond
	rig := newTestGateway(t, members, cfg)

	typer := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))

	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	if evt := typingEvent(t, awaitFrame(t, obs, time.Second)); !evt.IsTyping {
		t.Fatalf("start event = %+v, want isTyping true", evt)
	}

	typer.handle(mkFrame(t, "typing:stop", 0, typingPayload{ConversationID: 1}))
	if evt := typingEvent(t, awaitFrame(t, obs, time.Second)); evt.IsTyping {
		t.Fatalf("stop event = %+v, want isTyping false", evt)
	}

	// 定时器已取消, 不会再补一发 stop
	assertNoFrame(t, obs, 400*time.Millisecond)
	typer.tmu.Lock()
	pending := len(typer.typing)
	typer.tmu.Unlock()
	if pending != 0 {
		t.Errorf("typing timers after stop = %d, want 0", pending)
	}
}

func TestTyping_DisconnectStopsAll(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1, 2}, 2: {1, 2}}}
	cfg := testGatewayConfig()
	cfg.TypingTTL = 10 * time.Second
	rig := newTestGateway(t, members, cfg)

	typer := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))
	rig.hub.Join(obs, RoomKey(2))

	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 2}))
	for i := 0; i < 2; i++ {
		if evt := typingEvent(t, awaitFrame(t, obs, time.Second)); !evt.IsTyping {
			t.Fatalf("start event %d = %+v, want isTyping true", i, evt)
		}
	}

	typer.stopAllTyping()
	stopped := map[uint]bool{}
	for i := 0; i < 2; i++ {
		evt := typingEvent(t, awaitFrame(t, obs, time.Second))
		if evt.IsTyping {
			t.Fatalf("cleanup event = %+v, want isTyping false", evt)
		}
		stopped[evt.ConversationID] = true
	}
	if !stopped[1] || !stopped[2] {
		t.Errorf("cleanup covered %v, want both conversations", stopped)
	}
	typer.tmu.Lock()
	pending := len(typer.typing)
	typer.tmu.Unlock()
	if pending != 0 {
		t.Errorf("typing timers after cleanup = %d, want 0", pending)
	}
}

func TestTyping_NonMemberIgnored(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {2}}}
	rig := newTestGateway(t, members, testGatewayConfig())

	typer := rig.client("s", 1)
	obs := rig.client("o", 2)
	rig.hub.Join(obs, RoomKey(1))

	typer.handle(mkFrame(t, "typing:start", 0, typingPayload{ConversationID: 1}))
	assertNoFrame(t, obs, 200*time.Millisecond)
	typer.tmu.Lock()
	pending := len(typer.typing)
	typer.tmu.Unlock()
	if pending != 0 {
		t.Errorf("typing timers for non-member = %d, want 0", pending)
	}
}

func TestAck_NotRequested(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	c := rig.client("s", 1)

	// 不带 ack 序号的请求不回应答帧
	c.handle(mkFrame(t, "join", 0, joinPayload{ConversationID: 1}))
	if len(c.send) != 0 {
		t.Errorf("frames after ack-less join = %d, want 0", len(c.send))
	}
	if online := rig.hub.Online(RoomKey(1)); online != 1 {
		t.Errorf("Online() = %d, want 1", online)
	}
}

func TestAck_AfterClientDropped(t *testing.T) {
	members := &stubMembers{byConv: map[uint][]uint{1: {1}}}
	rig := newTestGateway(t, members, testGatewayConfig())
	c := rig.client("s", 1)

	// 连接已被摘除、发送通道已关闭, 回 ack 必须静默丢弃而不是 panic
	rig.hub.remove(c)
	c.ack(Frame{Event: "msg:send", Ack: 1}, ackPayload{OK: true, ID: 7})
}

func TestErrCode(t *testing.T) {
	if got := errCode(service.ErrForbidden, "SEND_FAILED"); got != "FORBIDDEN" {
		t.Errorf("errCode(ErrForbidden) = %q, want FORBIDDEN", got)
	}
	wrapped := fmt.Errorf("mark read: %w", service.ErrNotFound)
	if got := errCode(wrapped, "READ_FAILED"); got != "MESSAGE_NOT_FOUND" {
		t.Errorf("errCode(wrapped ErrNotFound) = %q, want MESSAGE_NOT_FOUND", got)
	}
	if got := errCode(errors.New("boom"), "SEND_FAILED"); got != "SEND_FAILED" {
		t.Errorf("errCode(unknown) = %q, want fallback", got)
	}
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chathub/internal/metrics"
	"chathub/internal/pubsub"

	"github.com/rs/zerolog/log"
)

// Hub 是本进程的连接表：连接记录按生成的连接 id 索引，
// 房间成员关系是 房间 -> 连接 id 集合 的二级索引。
// 所有房间广播都先走共享总线再回到本地投递，
// 事件无论产生在哪个进程，每个进程只负责发给自己的 socket。
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Client
	rooms map[string]map[string]*Client
	bus   pubsub.Bus
}

func NewHub(bus pubsub.Bus) *Hub {
	return &Hub{
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
		bus:   bus,
	}
}

// RoomKey 生成会话对应的房间名。
func RoomKey(conversationID uint) string {
	return fmt.Sprintf("conv:%d", conversationID)
}

// Start 订阅共享总线，开始把事件转发给本地连接。
func (h *Hub) Start(ctx context.Context) error {
	return h.bus.Subscribe(ctx, h.dispatch)
}

// Broadcast 把事件发布到共享总线；本进程的投递同样经由总线回流，
// 保证单实例与多实例行为一致。
func (h *Hub) Broadcast(ctx context.Context, room, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, pubsub.Event{Room: room, Name: event, Data: data}); err != nil {
		return err
	}
	metrics.WsBroadcastTotal.WithLabelValues(event).Inc()
	return nil
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// remove 摘除连接：退出所有房间并关闭发送通道。
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.closeSendLocked(c)
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.id] = c
}

// Leave 退出房间，未加入时是无害的 no-op。
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Online 返回房间的本进程连接数。
func (h *Hub) Online(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// dispatch 把总线事件投递给本地连接；Room 为空发给全部连接。
// 发送缓冲打满的慢客户端直接摘除，由其自身的读写超时善后。
func (h *Hub) dispatch(evt pubsub.Event) {
	frame, err := json.Marshal(Frame{Event: evt.Name, Data: evt.Data})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets map[string]*Client
	if evt.Room == "" {
		targets = h.conns
	} else {
		targets = h.rooms[evt.Room]
	}
	for id, c := range targets {
		if c.closed {
			continue
		}
		select {
		case c.send <- frame:
		default:
			log.Warn().Str("conn_id", id).Uint("user_id", c.userID).Msg("ws: slow client dropped")
			delete(h.conns, id)
			for room, members := range h.rooms {
				delete(members, id)
				if len(members) == 0 && room != evt.Room {
					delete(h.rooms, room)
				}
			}
			h.closeSendLocked(c)
		}
	}
	// 被摘除的慢客户端可能是当前房间的最后一个成员
	if evt.Room != "" {
		if members, ok := h.rooms[evt.Room]; ok && len(members) == 0 {
			delete(h.rooms, evt.Room)
		}
	}
}

// trySend 给单个连接投递一帧。dispatch 可能已经在总线 goroutine 里
// 把这条连接摘除并关闭了发送通道，所以必须在 hub 锁下检查 closed，
// 绝不向已关闭的通道发送。
func (h *Hub) trySend(c *Client, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) closeSendLocked(c *Client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

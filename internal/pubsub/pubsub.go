package pubsub

import (
	"context"
	"encoding/json"
)

// Event 是房间广播的信封。所有进程订阅同一通道，
// 每个进程只把事件转发给自己本地在房间里的连接。
// Room 为空表示发给该进程的全部连接（目前只有 presence 更新走这条路）。
type Event struct {
	Room string          `json:"room"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type Handler func(Event)

// Bus 抽象跨进程广播骨干：任意提供至少一次投递到所有订阅进程的实现都可以。
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe 注册回调并在后台接收，ctx 取消后停止。
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channel = "chathub:events"

// RedisBus 用 Redis Pub/Sub 做跨进程扇出，角色等同于单进程内存总线的集群版。
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	sub := b.rdb.Subscribe(ctx, channel)
	// 确认订阅建立，避免启动早期丢事件
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Warn().Err(err).Msg("pubsub: drop malformed event")
					continue
				}
				h(evt)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error { return nil }

package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chathub/internal/models"
	"chathub/internal/pubsub"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 活跃连接集合的 TTL，进程崩溃后由它兜底清理，正常断开走 SREM。
const liveSetTTL = time.Hour

// Tracker 维护每个用户的活跃连接集合（Redis set，跨进程共享），
// 并在集合清空后经过一段防抖延迟才落库 offline。防抖吸收页面跳转
// 之类的快速重连，避免在线状态来回抖动。
type Tracker struct {
	rdb      *redis.Client
	db       *gorm.DB
	bus      pubsub.Bus
	debounce time.Duration

	mu      sync.Mutex
	pending map[uint]*time.Timer
}

func NewTracker(rdb *redis.Client, db *gorm.DB, bus pubsub.Bus, debounce time.Duration) *Tracker {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Tracker{rdb: rdb, db: db, bus: bus, debounce: debounce, pending: make(map[uint]*time.Timer)}
}

func liveKey(userID uint) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

type update struct {
	UserID     uint       `json:"userId"`
	Status     string     `json:"status"`
	LastOnline *time.Time `json:"lastOnline,omitempty"`
}

// Connected 记录一条新连接。取消该用户可能挂着的 offline 定时器；
// 若用户落库状态还不是 online，置为 online 并广播转换。
func (t *Tracker) Connected(ctx context.Context, userID uint, connID string) error {
	t.mu.Lock()
	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
		delete(t.pending, userID)
	}
	t.mu.Unlock()

	key := liveKey(userID)
	if err := t.rdb.SAdd(ctx, key, connID).Err(); err != nil {
		return err
	}
	if err := t.rdb.Expire(ctx, key, liveSetTTL).Err(); err != nil {
		return err
	}

	// 集合里可能残留崩溃进程没来得及 SREM 的连接 id，
	// 是否需要 online 转换以落库状态为准，而不是集合大小。
	var user models.User
	if err := t.db.WithContext(ctx).Select("id", "status").First(&user, userID).Error; err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("presence: load status")
		return nil
	}
	if user.Status != "online" {
		if err := t.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", userID).Update("status", "online").Error; err != nil {
			log.Error().Err(err).Uint("user_id", userID).Msg("presence: set online")
		}
		t.broadcast(ctx, update{UserID: userID, Status: "online"})
	}
	return nil
}

// Disconnected 移除连接并安排防抖后的 offline 检查。
// 防抖窗口内重连会取消这次检查，不会发出 offline 转换。
func (t *Tracker) Disconnected(userID uint, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.rdb.SRem(ctx, liveKey(userID), connID).Err(); err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence: srem")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
	}
	t.pending[userID] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		delete(t.pending, userID)
		t.mu.Unlock()
		t.settle(userID)
	})
}

// settle 在防抖到期后检查活跃连接集合，清空才真正转 offline。
func (t *Tracker) settle(userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	size, err := t.rdb.SCard(ctx, liveKey(userID)).Result()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence: scard")
		return
	}
	if size > 0 {
		return
	}

	now := time.Now().UTC()
	if err := t.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"status": "offline", "last_online": now}).Error; err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("presence: set offline")
		return
	}
	t.broadcast(ctx, update{UserID: userID, Status: "offline", LastOnline: &now})
}

// Online 返回用户当前活跃连接数，REST 层展示用。
func (t *Tracker) Online(ctx context.Context, userID uint) (int64, error) {
	return t.rdb.SCard(ctx, liveKey(userID)).Result()
}

// Stop 取消所有挂着的防抖定时器，优雅停服用。
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uid, timer := range t.pending {
		timer.Stop()
		delete(t.pending, uid)
	}
}

func (t *Tracker) broadcast(ctx context.Context, u update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	// Room 为空：presence 更新发给所有连接
	if err := t.bus.Publish(ctx, pubsub.Event{Name: "presence:update", Data: data}); err != nil {
		log.Warn().Err(err).Uint("user_id", u.UserID).Msg("presence: broadcast")
	}
}

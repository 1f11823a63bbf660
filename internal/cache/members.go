package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chathub/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Members 是会话成员的读穿缓存，鉴权热路径只打这里。
// 短 TTL 换取接受有界的过期窗口：刚被移出的成员最多在一个 TTL 内仍可读写。
type Members struct {
	rdb *redis.Client
	db  *gorm.DB
	ttl time.Duration
}

func NewMembers(rdb *redis.Client, db *gorm.DB, ttl time.Duration) *Members {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Members{rdb: rdb, db: db, ttl: ttl}
}

func memberKey(conversationID uint) string {
	return fmt.Sprintf("conv:%d:members", conversationID)
}

// Members 返回会话的成员 id 列表，缓存未命中时回源数据库并写回。
func (m *Members) Members(ctx context.Context, conversationID uint) ([]uint, error) {
	key := memberKey(conversationID)
	cached, err := m.rdb.Get(ctx, key).Result()
	if err == nil {
		var ids []uint
		if jsonErr := json.Unmarshal([]byte(cached), &ids); jsonErr == nil {
			return ids, nil
		}
		// 缓存内容损坏则当作未命中回源
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var rows []models.ConversationMember
	if err := m.db.WithContext(ctx).Select("user_id").
		Where("conversation_id = ?", conversationID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}

	b, _ := json.Marshal(ids)
	if err := m.rdb.Set(ctx, key, b, m.ttl).Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// IsMember 判断用户是否为会话成员，零值 id 直接返回 false。
func (m *Members) IsMember(ctx context.Context, conversationID, userID uint) (bool, error) {
	if conversationID == 0 || userID == 0 {
		return false, nil
	}
	ids, err := m.Members(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate 在成员变更后显式清缓存，下一次读会回源。
func (m *Members) Invalidate(ctx context.Context, conversationID uint) error {
	return m.rdb.Del(ctx, memberKey(conversationID)).Err()
}

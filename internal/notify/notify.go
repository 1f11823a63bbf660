package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chathub/internal/models"
	"chathub/internal/pagination"
	"chathub/internal/service"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrNotificationNotFound = errors.New("NOTIFICATION_NOT_FOUND")

// Service 管理站内通知：消息扇出写入、列表与已读。
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// NotificationDTO 是对外输出的通知数据。
type NotificationDTO struct {
	ID        uint            `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsRead    bool            `json:"isRead"`
	CreatedAt time.Time       `json:"createdAt"`
}

type messagePayload struct {
	ConversationID uint   `json:"conversationId"`
	MessageID      uint   `json:"messageId"`
	SenderID       uint   `json:"senderId"`
	Preview        string `json:"preview"`
}

// MessageCreated 给会话内除发送者外的成员各写一条通知。
// 尽力而为：任何失败只记日志，绝不回滚或影响消息创建本身。
func (s *Service) MessageCreated(ctx context.Context, conversationID, messageID, senderID uint, preview string, recipients []uint) {
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(messagePayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       senderID,
		Preview:        preview,
	})
	if err != nil {
		log.Error().Err(err).Msg("notify: marshal payload")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		rows := make([]models.Notification, 0, len(recipients))
		now := time.Now().UTC()
		for _, uid := range recipients {
			rows = append(rows, models.Notification{
				UserID:    uid,
				Type:      "message",
				Data:      payload,
				CreatedAt: now,
			})
		}
		if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
			log.Warn().Err(err).Uint("message_id", messageID).Msg("notify: fanout failed")
		}
	}()
}

// List 返回用户的通知，按 (created_at, id) 降序游标分页。
func (s *Service) List(ctx context.Context, userID uint, cursor string, limit int, unreadOnly bool) ([]NotificationDTO, *string, error) {
	if userID == 0 {
		return nil, nil, service.ErrInvalidID
	}
	limit = pagination.Clamp(limit, 20, 100)
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, nil, err
	}

	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	q = pagination.Apply(q, "created_at", cur)

	var rows []models.Notification
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	var next *string
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		next = pagination.Next(len(rows), limit, last.CreatedAt, last.ID)
	}

	out := make([]NotificationDTO, 0, len(rows))
	for _, n := range rows {
		out = append(out, NotificationDTO{
			ID:        n.ID,
			Type:      n.Type,
			Data:      json.RawMessage(n.Data),
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt,
		})
	}
	return out, next, nil
}

// MarkRead 把属于该用户的通知置为已读，重复调用是无害的。
func (s *Service) MarkRead(ctx context.Context, id, userID uint) error {
	if id == 0 || userID == 0 {
		return service.ErrInvalidID
	}
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id = ? AND user_id = ?", id, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotificationNotFound
		}
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"time"

	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/pagination"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxTextLen = 4000

// MemberSource 是鉴权热路径依赖的成员视图，由 cache.Members 实现。
type MemberSource interface {
	IsMember(ctx context.Context, conversationID, userID uint) (bool, error)
	Members(ctx context.Context, conversationID uint) ([]uint, error)
	Invalidate(ctx context.Context, conversationID uint) error
}

// Notifier 在消息真正落库后做尽力而为的通知扇出，失败不影响主流程。
type Notifier interface {
	MessageCreated(ctx context.Context, conversationID, messageID, senderID uint, preview string, recipients []uint)
}

// MessageService 封装消息的校验、幂等落库与已读回执。
type MessageService struct {
	db       *gorm.DB
	members  MemberSource
	notifier Notifier
}

func NewMessageService(db *gorm.DB, members MemberSource, notifier Notifier) *MessageService {
	return &MessageService{db: db, members: members, notifier: notifier}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID             uint           `json:"id"`
	ConversationID uint           `json:"conversationId"`
	SenderID       uint           `json:"senderId"`
	Type           string         `json:"type"`
	Content        string         `json:"content,omitempty"`
	FileURL        string         `json:"fileUrl,omitempty"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	ClientMsgID    string         `json:"clientMsgId,omitempty"`
	ReadBy         []uint         `json:"readBy"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type SendInput struct {
	ConversationID uint
	SenderID       uint
	Type           string
	Content        string
	FileURL        string
	Metadata       datatypes.JSON
	ClientMsgID    string
}

func validMessageType(t string) bool {
	switch t {
	case models.MessageText, models.MessageImage, models.MessageFile, models.MessageSystem:
		return true
	}
	return false
}

// preview 生成会话列表用的最后一条消息摘要，非文本用占位符。
func preview(typ, content string) string {
	switch typ {
	case models.MessageImage:
		return "[image]"
	case models.MessageFile:
		return "[file]"
	default:
		return content
	}
}

// Create 校验并落库一条消息。带 clientMsgId 的重复提交（串行或并发）
// 只会产生一行：先查已有行，插入撞到唯一键则回读，两条路径都返回原消息。
// 返回值 created 标记是否真正新建，网关据此决定要不要再广播一次。
func (s *MessageService) Create(ctx context.Context, in SendInput) (*MessageDTO, bool, error) {
	if in.ConversationID == 0 || in.SenderID == 0 {
		return nil, false, ErrInvalidID
	}
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !validMessageType(in.Type) {
		return nil, false, ErrInvalidMessageType
	}
	if in.Type == models.MessageText {
		if in.Content == "" {
			return nil, false, ErrContentRequired
		}
		if len([]rune(in.Content)) > maxTextLen {
			return nil, false, ErrContentTooLong
		}
	}

	var sender models.User
	if err := s.db.WithContext(ctx).First(&sender, in.SenderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrForbidden
		}
		return nil, false, err
	}
	if !sender.IsActive {
		return nil, false, ErrUserBanned
	}

	ok, err := s.members.IsMember(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrForbidden
	}

	if in.ClientMsgID != "" {
		if existing, err := s.findByClientMsgID(ctx, in.ConversationID, in.ClientMsgID); err != nil {
			return nil, false, err
		} else if existing != nil {
			metrics.MessagesDedupedTotal.Inc()
			return existing, false, nil
		}
	}

	msg := models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		FileURL:        in.FileURL,
		Metadata:       in.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if in.ClientMsgID != "" {
		msg.ClientMsgID = &in.ClientMsgID
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		// 并发重复提交撞唯一键：回读已存在的那一行，调用方看不到冲突
		if errors.Is(err, gorm.ErrDuplicatedKey) && in.ClientMsgID != "" {
			existing, readErr := s.findByClientMsgID(ctx, in.ConversationID, in.ClientMsgID)
			if readErr != nil {
				return nil, false, readErr
			}
			if existing != nil {
				metrics.MessagesDedupedTotal.Inc()
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	metrics.MessagesCreatedTotal.Inc()

	// 条件更新会话摘要：只接受严格更新的消息，乱序到达的旧写不能把摘要倒退
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", msg.ConversationID, msg.CreatedAt).
		Updates(map[string]interface{}{
			"last_message_id": msg.ID,
			"last_sender_id":  msg.SenderID,
			"last_content":    preview(msg.Type, msg.Content),
			"last_message_at": msg.CreatedAt,
		}).Error; err != nil {
		log.Error().Err(err).Uint("conversation_id", msg.ConversationID).Msg("update last message")
	}

	if s.notifier != nil {
		recipients, err := s.members.Members(ctx, msg.ConversationID)
		if err != nil {
			log.Warn().Err(err).Uint("conversation_id", msg.ConversationID).Msg("fanout member lookup")
		} else {
			others := make([]uint, 0, len(recipients))
			for _, id := range recipients {
				if id != msg.SenderID {
					others = append(others, id)
				}
			}
			s.notifier.MessageCreated(ctx, msg.ConversationID, msg.ID, msg.SenderID, preview(msg.Type, msg.Content), others)
		}
	}

	return s.toDTO(&msg, nil), true, nil
}

func (s *MessageService) findByClientMsgID(ctx context.Context, conversationID uint, clientMsgID string) (*MessageDTO, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND client_msg_id = ?", conversationID, clientMsgID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	readBy, err := s.loadReadBy(ctx, []uint{msg.ID})
	if err != nil {
		return nil, err
	}
	return s.toDTO(&msg, readBy[msg.ID]), nil
}

// MarkRead 把 userId 幂等加入消息的 readBy 集合，返回更新后的消息。
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID uint) (*MessageDTO, error) {
	if messageID == 0 || userID == 0 {
		return nil, ErrInvalidID
	}

	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ok, err := s.members.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	read := models.MessageRead{MessageID: messageID, UserID: userID, ReadAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&read).Error; err != nil {
		return nil, err
	}

	readBy, err := s.loadReadBy(ctx, []uint{messageID})
	if err != nil {
		return nil, err
	}
	return s.toDTO(&msg, readBy[messageID]), nil
}

// List 按创建时间升序返回一页消息。取页用 (created_at, id) 降序游标,
// 返回前再反转成升序，调用方按时间顺序消费。
func (s *MessageService) List(ctx context.Context, conversationID, userID uint, cursor string, limit int) ([]MessageDTO, *string, error) {
	if conversationID == 0 {
		return nil, nil, ErrInvalidID
	}
	ok, err := s.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrForbidden
	}

	limit = pagination.Clamp(limit, 50, 200)
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, nil, err
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	q = pagination.Apply(q, "created_at", cur)

	var rows []models.Message
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	var next *string
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		next = pagination.Next(len(rows), limit, last.CreatedAt, last.ID)
	}

	ids := make([]uint, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	readBy, err := s.loadReadBy(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	// 反转为升序
	out := make([]MessageDTO, len(rows))
	for i := range rows {
		m := rows[len(rows)-1-i]
		out[i] = *s.toDTO(&m, readBy[m.ID])
	}
	return out, next, nil
}

func (s *MessageService) loadReadBy(ctx context.Context, messageIDs []uint) (map[uint][]uint, error) {
	out := make(map[uint][]uint, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var reads []models.MessageRead
	if err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("read_at asc").
		Find(&reads).Error; err != nil {
		return nil, err
	}
	for _, r := range reads {
		out[r.MessageID] = append(out[r.MessageID], r.UserID)
	}
	return out, nil
}

func (s *MessageService) toDTO(m *models.Message, readBy []uint) *MessageDTO {
	if readBy == nil {
		readBy = []uint{}
	}
	dto := &MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type,
		Content:        m.Content,
		FileURL:        m.FileURL,
		Metadata:       m.Metadata,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
	if m.ClientMsgID != nil {
		dto.ClientMsgID = *m.ClientMsgID
	}
	return dto
}

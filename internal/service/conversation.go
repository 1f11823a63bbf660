package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chathub/internal/models"
	"chathub/internal/pagination"

	"gorm.io/gorm"
)

const maxGroupNameLen = 120

// ConversationService 封装会话的创建与列表。
type ConversationService struct {
	db      *gorm.DB
	members MemberSource
}

func NewConversationService(db *gorm.DB, members MemberSource) *ConversationService {
	return &ConversationService{db: db, members: members}
}

// LastMessage 是会话上冗余的最后一条消息快照。
type LastMessage struct {
	MessageID uint      `json:"messageId"`
	SenderID  uint      `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationDTO 是对外输出的会话数据。
type ConversationDTO struct {
	ID          uint         `json:"id"`
	Type        string       `json:"type"`
	Name        string       `json:"name,omitempty"`
	MemberIDs   []uint       `json:"memberIds"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// pairKey 用无序成员对生成 single 会话的去重键。
func pairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Create 创建会话。single 按无序成员对去重：撞到唯一键时返回既有会话，
// 不会为同一对用户建出第二个单聊。创建者自动成为 admin。
func (s *ConversationService) Create(ctx context.Context, creatorID uint, typ, name string, memberIDs []uint) (*ConversationDTO, error) {
	if creatorID == 0 {
		return nil, ErrInvalidID
	}
	if typ != models.ConversationSingle && typ != models.ConversationGroup {
		return nil, ErrInvalidConvType
	}

	// 去重并排除创建者自己
	seen := map[uint]struct{}{creatorID: {}}
	others := make([]uint, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == 0 {
			return nil, ErrInvalidMemberIDs
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}

	if typ == models.ConversationSingle {
		if len(others) != 1 {
			return nil, ErrInvalidMemberIDs
		}
	} else {
		if len(others) == 0 {
			return nil, ErrInvalidMemberIDs
		}
		if len([]rune(name)) > maxGroupNameLen {
			return nil, ErrNameTooLong
		}
	}

	conv := models.Conversation{Type: typ}
	if typ == models.ConversationGroup {
		conv.Name = name
	} else {
		pk := pairKey(creatorID, others[0])
		conv.PairKey = &pk
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		rows := make([]models.ConversationMember, 0, len(others)+1)
		rows = append(rows, models.ConversationMember{
			ConversationID: conv.ID, UserID: creatorID, Role: models.RoleAdmin, JoinedAt: now,
		})
		for _, id := range others {
			rows = append(rows, models.ConversationMember{
				ConversationID: conv.ID, UserID: id, Role: models.RoleMember, JoinedAt: now,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		// 并发创建同一对单聊：返回已存在的那个
		if errors.Is(err, gorm.ErrDuplicatedKey) && conv.PairKey != nil {
			var existing models.Conversation
			if readErr := s.db.WithContext(ctx).Where("pair_key = ?", *conv.PairKey).First(&existing).Error; readErr == nil {
				return s.toDTO(ctx, &existing)
			}
		}
		return nil, err
	}

	// 新会话的成员集可能已有过期的空缓存，显式清掉
	_ = s.members.Invalidate(ctx, conv.ID)
	return s.toDTO(ctx, &conv)
}

// List 返回用户参与的会话，按 (updated_at, id) 降序游标分页。
func (s *ConversationService) List(ctx context.Context, userID uint, cursor string, limit int) ([]ConversationDTO, *string, error) {
	if userID == 0 {
		return nil, nil, ErrInvalidID
	}
	limit = pagination.Clamp(limit, 20, 100)
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
		Where("cm.user_id = ?", userID)
	q = pagination.Apply(q, "conversations.updated_at", cur)

	var rows []models.Conversation
	if err := q.Order("conversations.updated_at desc, conversations.id desc").
		Limit(limit).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	var next *string
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		next = pagination.Next(len(rows), limit, last.UpdatedAt, last.ID)
	}

	out := make([]ConversationDTO, 0, len(rows))
	for i := range rows {
		dto, err := s.toDTO(ctx, &rows[i])
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *dto)
	}
	return out, next, nil
}

// Get 按 id 取会话，内部使用（成员变更、管理操作）。
func (s *ConversationService) Get(ctx context.Context, id uint) (*ConversationDTO, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationGone
		}
		return nil, err
	}
	return s.toDTO(ctx, &conv)
}

func (s *ConversationService) toDTO(ctx context.Context, conv *models.Conversation) (*ConversationDTO, error) {
	ids, err := s.members.Members(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	dto := &ConversationDTO{
		ID:        conv.ID,
		Type:      conv.Type,
		Name:      conv.Name,
		MemberIDs: ids,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if conv.LastMessageID != nil && conv.LastSenderID != nil && conv.LastMessageAt != nil {
		dto.LastMessage = &LastMessage{
			MessageID: *conv.LastMessageID,
			SenderID:  *conv.LastSenderID,
			Content:   conv.LastContent,
			CreatedAt: *conv.LastMessageAt,
		}
	}
	return dto, nil
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ConversationSingle = "single"
	ConversationGroup  = "group"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Status       string `gorm:"size:16;not null;default:offline"`
	LastOnline   *time.Time
	IsActive     bool `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	ID   uint   `gorm:"primaryKey"`
	Type string `gorm:"size:16;not null"`
	Name string `gorm:"size:120"`
	// single 会话的去重键（"小id:大id"），group 会话为 NULL。
	PairKey *string `gorm:"uniqueIndex;size:64"`

	// 冗余的最后一条消息快照，会话列表不用再联查消息表。
	LastMessageID *uint
	LastSenderID  *uint
	LastContent   string `gorm:"type:text"`
	LastMessageAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

type ConversationMember struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID uint      `gorm:"uniqueIndex:idx_conv_member;not null"`
	UserID         uint      `gorm:"uniqueIndex:idx_conv_member;index;not null"`
	Role           string    `gorm:"size:16;not null;default:member"`
	JoinedAt       time.Time `gorm:"not null"`
}

type Message struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID uint   `gorm:"index:idx_msg_conv_created;uniqueIndex:idx_msg_client;not null"`
	SenderID       uint   `gorm:"index;not null"`
	Type           string `gorm:"size:16;not null;default:text"`
	Content        string `gorm:"type:text"`
	FileURL        string
	Metadata       datatypes.JSON
	// 客户端幂等 token；NULL 不参与唯一约束，重复提交撞唯一键后回读原行。
	ClientMsgID *string   `gorm:"uniqueIndex:idx_msg_client;size:64"`
	CreatedAt   time.Time `gorm:"index:idx_msg_conv_created"`
}

// MessageRead 用联合主键表实现 readBy 集合，幂等追加靠 ON CONFLICT DO NOTHING。
type MessageRead struct {
	MessageID uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	ReadAt    time.Time
}

type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index:idx_notif_user_created;not null"`
	Type      string `gorm:"size:32;not null"`
	Data      datatypes.JSON
	IsRead    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"index:idx_notif_user_created"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

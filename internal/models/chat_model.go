package models

import (
	"time"

	"gorm.io/gorm"
)

/** --------------------ENTITIES-------------------- */

// ChatRoom is a conversation between exactly two users.
type ChatRoom struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	User1ID   uint      `gorm:"not null;index:idx_chat_rooms_users" json:"user1Id"`
	User2ID   uint      `gorm:"not null;index:idx_chat_rooms_users" json:"user2Id"`
	CreatedAt time.Time `json:"createdAt"`

	Messages []ChatMessage `gorm:"foreignKey:RoomID" json:"-"`
}

// ChatMessage is one persisted message in a room.
type ChatMessage struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	RoomID    uint           `gorm:"not null;index" json:"roomId"`
	SenderID  uint           `gorm:"not null" json:"senderId"`
	Content   string         `gorm:"not null" json:"content"`
	Kind      string         `gorm:"not null;default:text" json:"kind"` // text || image
	Edited    bool           `gorm:"not null;default:false" json:"edited"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// OnlineStatus is the durable presence row for a user.
type OnlineStatus struct {
	UserID    uint      `gorm:"primaryKey" json:"userId"`
	IsOnline  bool      `gorm:"not null;default:false" json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	DeviceTag string    `json:"deviceTag"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomRead tracks the newest message a user has read in a room.
type RoomRead struct {
	RoomID            uint      `gorm:"primaryKey" json:"roomId"`
	UserID            uint      `gorm:"primaryKey" json:"userId"`
	LastReadMessageID uint      `gorm:"not null;default:0" json:"lastReadMessageId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

/** -------------------- DTOs -------------------- */

// Request
type CreateRoomRequest struct {
	PeerID uint `json:"peerId" binding:"required"`
}

type UpdateMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Response
type MessageResponse struct {
	ID        uint      `json:"id"`
	RoomID    uint      `json:"roomId"`
	SenderID  uint      `json:"senderId"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"createdAt"`
}

type RoomResponse struct {
	ID          uint             `json:"id"`
	User1ID     uint             `json:"user1Id"`
	User2ID     uint             `json:"user2Id"`
	PeerID      uint             `json:"peerId"`
	UnreadCount int64            `json:"unreadCount"`
	LastMessage *MessageResponse `json:"lastMessage,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

type PresenceResponse struct {
	OnlineUserIDs []uint `json:"onlineUserIds"`
}

// ToResponse maps a persisted message to its API shape. Soft-deleted
// messages keep their slot in history but carry no content.
func (m *ChatMessage) ToResponse() *MessageResponse {
	resp := &MessageResponse{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      m.Kind,
		Edited:    m.Edited,
		CreatedAt: m.CreatedAt,
	}
	if m.DeletedAt.Valid {
		resp.Deleted = true
		resp.Content = ""
	}
	return resp
}

package repository

import (
	"context"
	"errors"
	"time"

	"shopchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository interface {
	Append(ctx context.Context, roomID, senderID uint, content, kind string) (*models.ChatMessage, error)
	FindByID(ctx context.Context, messageID uint) (*models.ChatMessage, error)
	History(ctx context.Context, roomID uint, limit int, beforeID uint) ([]*models.ChatMessage, error)
	LastMessage(ctx context.Context, roomID uint) (*models.ChatMessage, error)
	UpdateContent(ctx context.Context, messageID uint, content string) error
	SoftDelete(ctx context.Context, messageID uint) error
	MarkRead(ctx context.Context, roomID, userID, messageID uint) error
	UnreadCount(ctx context.Context, roomID, userID uint) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(ctx context.Context, roomID, senderID uint, content, kind string) (*models.ChatMessage, error) {
	if kind == "" {
		kind = "text"
	}
	msg := &models.ChatMessage{
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
		Kind:     kind,
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) FindByID(ctx context.Context, messageID uint) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns up to limit messages for the room, newest last.
// Soft-deleted rows are included so clients can render placeholders.
func (r *messageRepository) History(ctx context.Context, roomID uint, limit int, beforeID uint) ([]*models.ChatMessage, error) {
	q := r.db.WithContext(ctx).Unscoped().Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var messages []*models.ChatMessage
	if err := q.Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *messageRepository) LastMessage(ctx context.Context, roomID uint) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, messageID uint, content string) error {
	return r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{"content": content, "edited": true}).Error
}

func (r *messageRepository) SoftDelete(ctx context.Context, messageID uint) error {
	return r.db.WithContext(ctx).Delete(&models.ChatMessage{}, "id = ?", messageID).Error
}

// MarkRead advances the reader's high-water mark; it never moves backwards.
func (r *messageRepository) MarkRead(ctx context.Context, roomID, userID, messageID uint) error {
	read := models.RoomRead{
		RoomID:            roomID,
		UserID:            userID,
		LastReadMessageID: messageID,
		UpdatedAt:         time.Now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_read_message_id": gorm.Expr("GREATEST(room_reads.last_read_message_id, ?)", messageID),
			"updated_at":           read.UpdatedAt,
		}),
	}).Create(&read).Error
}

func (r *messageRepository) UnreadCount(ctx context.Context, roomID, userID uint) (int64, error) {
	var lastRead uint
	var read models.RoomRead
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&read).Error
	if err == nil {
		lastRead = read.LastReadMessageID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	var count int64
	err = r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("room_id = ? AND id > ? AND sender_id <> ?", roomID, lastRead, userID).
		Count(&count).Error
	return count, err
}

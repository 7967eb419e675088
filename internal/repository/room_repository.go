package repository

import (
	"context"
	"errors"

	"shopchat/internal/models"

	"gorm.io/gorm"
)

type RoomRepository interface {
	CreateOrGet(ctx context.Context, user1ID, user2ID uint) (*models.ChatRoom, error)
	FindByID(ctx context.Context, roomID uint) (*models.ChatRoom, error)
	ListForUser(ctx context.Context, userID uint) ([]*models.ChatRoom, error)
	RoomsContaining(ctx context.Context, userID uint) ([]uint, error)
	UserMayJoin(ctx context.Context, userID, roomID uint) (bool, error)
}

type roomRepository struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

// CreateOrGet returns the existing room for the pair regardless of
// orientation, creating it when neither orientation exists.
func (r *roomRepository) CreateOrGet(ctx context.Context, user1ID, user2ID uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("(user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)",
			user1ID, user2ID, user2ID, user1ID).
		First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	room = models.ChatRoom{User1ID: user1ID, User2ID: user2ID}
	if err := r.db.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *roomRepository) FindByID(ctx context.Context, roomID uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *roomRepository) ListForUser(ctx context.Context, userID uint) ([]*models.ChatRoom, error) {
	var rooms []*models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&rooms).Error
	return rooms, err
}

func (r *roomRepository) RoomsContaining(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ChatRoom{}).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Pluck("id", &ids).Error
	return ids, err
}

// UserMayJoin reports whether the user is one of the room's two participants.
func (r *roomRepository) UserMayJoin(ctx context.Context, userID, roomID uint) (bool, error) {
	room, err := r.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return room.User1ID == userID || room.User2ID == userID, nil
}

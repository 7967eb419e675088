package repository

import (
	"context"
	"strconv"
	"time"

	"shopchat/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// Online keys outlive the heartbeat timeout slightly; offline keys are
	// short to avoid flicker on quick reconnects.
	onlineTTL  = 5 * time.Minute
	offlineTTL = 1 * time.Minute
)

type PresenceRepository interface {
	UpsertPresence(ctx context.Context, userID uint, online bool, deviceTag string, at time.Time) error
	GetStatus(ctx context.Context, userID uint) (*models.OnlineStatus, error)
	GetOnlineUsers(ctx context.Context, userIDs []uint) ([]uint, error)
}

type presenceRepository struct {
	db     *gorm.DB
	client *redis.Client
}

func NewPresenceRepository(db *gorm.DB, client *redis.Client) PresenceRepository {
	return &presenceRepository{db: db, client: client}
}

func presenceKey(userID uint) string {
	return "presence:" + strconv.Itoa(int(userID))
}

// UpsertPresence writes the durable row and refreshes the redis key.
func (r *presenceRepository) UpsertPresence(ctx context.Context, userID uint, online bool, deviceTag string, at time.Time) error {
	status := models.OnlineStatus{
		UserID:    userID,
		IsOnline:  online,
		LastSeen:  at,
		DeviceTag: deviceTag,
		UpdatedAt: at,
	}
	assignments := map[string]interface{}{
		"is_online":  online,
		"last_seen":  at,
		"updated_at": at,
	}
	if deviceTag != "" {
		assignments["device_tag"] = deviceTag
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&status).Error
	if err != nil {
		return err
	}

	value, ttl := "online", onlineTTL
	if !online {
		value, ttl = "offline", offlineTTL
	}
	return r.client.Set(ctx, presenceKey(userID), value, ttl).Err()
}

func (r *presenceRepository) GetStatus(ctx context.Context, userID uint) (*models.OnlineStatus, error) {
	var status models.OnlineStatus
	err := r.db.WithContext(ctx).First(&status, "user_id = ?", userID).Error
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// GetOnlineUsers filters the given ids down to the ones currently online,
// pipelined to keep it one roundtrip.
func (r *presenceRepository) GetOnlineUsers(ctx context.Context, userIDs []uint) ([]uint, error) {
	if len(userIDs) == 0 {
		return []uint{}, nil
	}

	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Get(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	online := make([]uint, 0)
	for i, cmd := range cmds {
		if val, _ := cmd.(*redis.StringCmd).Result(); val == "online" {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

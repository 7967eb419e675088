package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shopchat/internal/models"
	"shopchat/internal/repository"
	"shopchat/internal/websocket"

	"gorm.io/gorm"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomAccessDenied = errors.New("room access denied")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMessageAuthor = errors.New("not the message author")
	ErrSelfConversation = errors.New("cannot open a room with yourself")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ChatService backs the synchronous REST surface: room listing with
// unread counts, message history, author-only edit and delete.
type ChatService struct {
	rooms    repository.RoomRepository
	messages repository.MessageRepository
	presence repository.PresenceRepository
	manager  *websocket.ConnectionManager
}

func NewChatService(
	rooms repository.RoomRepository,
	messages repository.MessageRepository,
	presence repository.PresenceRepository,
	manager *websocket.ConnectionManager,
) *ChatService {
	return &ChatService{
		rooms:    rooms,
		messages: messages,
		presence: presence,
		manager:  manager,
	}
}

// CreateOrGetRoom returns the two-user room for (userID, peerID),
// creating it when it does not exist in either orientation.
func (s *ChatService) CreateOrGetRoom(ctx context.Context, userID, peerID uint) (*models.ChatRoom, error) {
	if userID == peerID {
		return nil, ErrSelfConversation
	}
	return s.rooms.CreateOrGet(ctx, userID, peerID)
}

// ListRooms returns the user's rooms with unread counts and last
// messages, most recently active first.
func (s *ChatService) ListRooms(ctx context.Context, userID uint) ([]*models.RoomResponse, error) {
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	responses := make([]*models.RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		resp := &models.RoomResponse{
			ID:        room.ID,
			User1ID:   room.User1ID,
			User2ID:   room.User2ID,
			PeerID:    peerOf(room, userID),
			CreatedAt: room.CreatedAt,
		}

		if last, err := s.messages.LastMessage(ctx, room.ID); err != nil {
			slog.Error("failed to load last message", "roomID", room.ID, "error", err)
		} else if last != nil {
			resp.LastMessage = last.ToResponse()
		}

		if count, err := s.messages.UnreadCount(ctx, room.ID, userID); err != nil {
			slog.Error("failed to count unread messages", "roomID", room.ID, "error", err)
		} else {
			resp.UnreadCount = count
		}

		responses = append(responses, resp)
	}

	// Most recently active room first.
	sortRoomsByActivity(responses)
	return responses, nil
}

// History returns a page of messages for the room, newest last.
func (s *ChatService) History(ctx context.Context, userID, roomID uint, limit int, beforeID uint) ([]*models.MessageResponse, error) {
	allowed, err := s.rooms.UserMayJoin(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrRoomAccessDenied
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.messages.History(ctx, roomID, limit, beforeID)
	if err != nil {
		return nil, err
	}

	responses := make([]*models.MessageResponse, 0, len(messages))
	for _, msg := range messages {
		responses = append(responses, msg.ToResponse())
	}
	return responses, nil
}

// EditMessage updates a message's content. Author-only. The edit is
// broadcast to the room so open clients converge.
func (s *ChatService) EditMessage(ctx context.Context, userID, messageID uint, content string) (*models.MessageResponse, error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotMessageAuthor
	}

	if err := s.messages.UpdateContent(ctx, messageID, content); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.Edited = true

	s.manager.BroadcastToRoom(ctx, msg.RoomID, websocket.NewMessageEvent(websocket.MessageEventPayload{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Kind:      msg.Kind,
		Edited:    true,
		Timestamp: time.Now().UTC(),
	}), 0)

	return msg.ToResponse(), nil
}

// DeleteMessage soft-deletes a message. Author-only.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID uint) error {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.SenderID != userID {
		return ErrNotMessageAuthor
	}

	return s.messages.SoftDelete(ctx, messageID)
}

// OnlineUsers filters the given ids down to those currently online.
func (s *ChatService) OnlineUsers(ctx context.Context, userIDs []uint) ([]uint, error) {
	return s.presence.GetOnlineUsers(ctx, userIDs)
}

func peerOf(room *models.ChatRoom, userID uint) uint {
	if room.User1ID == userID {
		return room.User2ID
	}
	return room.User1ID
}

func sortRoomsByActivity(rooms []*models.RoomResponse) {
	lastActivity := func(r *models.RoomResponse) time.Time {
		if r.LastMessage != nil {
			return r.LastMessage.CreatedAt
		}
		return r.CreatedAt
	}
	for i := 1; i < len(rooms); i++ {
		for j := i; j > 0 && lastActivity(rooms[j]).After(lastActivity(rooms[j-1])); j-- {
			rooms[j], rooms[j-1] = rooms[j-1], rooms[j]
		}
	}
}

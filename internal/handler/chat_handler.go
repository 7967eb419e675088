package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"shopchat/internal/api/middleware"
	"shopchat/internal/models"
	"shopchat/internal/service"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chat *service.ChatService
}

func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// CreateRoom opens (or returns) the conversation with another user.
// POST /rooms
func (h *ChatHandler) CreateRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId is required"})
		return
	}

	room, err := h.chat.CreateOrGetRoom(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		if errors.Is(err, service.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// ListRooms returns the caller's rooms with unread counts and last
// messages. GET /rooms
func (h *ChatHandler) ListRooms(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rooms, err := h.chat.ListRooms(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetMessages returns a history page for a room, newest last.
// GET /rooms/:id/messages?limit=50&before_id=0
func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	roomID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	beforeID, _ := parseUintParam(c.DefaultQuery("before_id", "0"))

	messages, err := h.chat.History(c.Request.Context(), userID, roomID, limit, beforeID)
	if err != nil {
		if errors.Is(err, service.ErrRoomAccessDenied) {
			c.JSON(http.StatusForbidden, gin.H{"error": "room access denied"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// UpdateMessage edits a message's content; author-only.
// PUT /messages/:id
func (h *ChatHandler) UpdateMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	messageID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req models.UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := h.chat.EditMessage(c.Request.Context(), userID, messageID, req.Content)
	if err != nil {
		writeMessageError(c, err)
		return
	}

	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes a message; author-only.
// DELETE /messages/:id
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	messageID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.chat.DeleteMessage(c.Request.Context(), userID, messageID); err != nil {
		writeMessageError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetPresence reports which of the requested users are online.
// GET /presence?user_ids=1,2,3
func (h *ChatHandler) GetPresence(c *gin.Context) {
	raw := c.Query("user_ids")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids is required"})
		return
	}

	var userIDs []uint
	for _, part := range strings.Split(raw, ",") {
		id, err := parseUintParam(strings.TrimSpace(part))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id: " + part})
			return
		}
		userIDs = append(userIDs, id)
	}

	online, err := h.chat.OnlineUsers(c.Request.Context(), userIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query presence"})
		return
	}

	c.JSON(http.StatusOK, models.PresenceResponse{OnlineUserIDs: online})
}

func writeMessageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, service.ErrNotMessageAuthor):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the message author"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

func parseUintParam(s string) (uint, error) {
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(value), nil
}

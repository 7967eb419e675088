package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shopchat/internal/models"
)

var ErrClientDisconnected = errors.New("client disconnected")

// Channel is one live bidirectional connection. Send must not block;
// a send that cannot be accepted reports failure instead.
type Channel interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// RoomDirectory answers which rooms a user belongs to and whether a user
// may join a room. Backed by the relational store.
type RoomDirectory interface {
	RoomsContaining(ctx context.Context, userID uint) ([]uint, error)
	UserMayJoin(ctx context.Context, userID, roomID uint) (bool, error)
}

// MessageStore persists chat messages and read marks.
type MessageStore interface {
	Append(ctx context.Context, roomID, senderID uint, content, kind string) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, roomID, userID, messageID uint) error
}

// PresenceStore records online/offline transitions durably.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, userID uint, online bool, deviceTag string, at time.Time) error
}

// EventSink receives persisted messages for downstream consumers. Optional.
type EventSink interface {
	PublishMessage(ctx context.Context, msg *models.ChatMessage) error
}

// ManagerConfig holds the sweep cadences and timeouts.
type ManagerConfig struct {
	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration
	TypingSweepInterval    time.Duration
	TypingIdleCutoff       time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatSweepInterval: 60 * time.Second,
		HeartbeatTimeout:       5 * time.Minute,
		TypingSweepInterval:    5 * time.Minute,
		TypingIdleCutoff:       30 * time.Second,
	}
}

type session struct {
	channel       Channel
	deviceTag     string
	lastHeartbeat time.Time
}

// ConnectionManager owns all ephemeral chat state: the session registry,
// room membership index, typing flags and heartbeats. One mutex guards
// the whole set so cross-index invariants are never observed broken.
type ConnectionManager struct {
	mu        sync.Mutex
	sessions  map[uint]*session
	roomUsers map[uint]map[uint]bool
	userRooms map[uint]map[uint]bool
	typing    map[uint]map[uint]bool

	directory RoomDirectory
	messages  MessageStore
	presence  PresenceStore
	events    EventSink

	cfg ManagerConfig

	tasksMu         sync.Mutex
	heartbeatCancel context.CancelFunc
	typingCancel    context.CancelFunc
}

func NewConnectionManager(
	directory RoomDirectory,
	messages MessageStore,
	presence PresenceStore,
	events EventSink,
	cfg ManagerConfig,
) *ConnectionManager {
	return &ConnectionManager{
		sessions:  make(map[uint]*session),
		roomUsers: make(map[uint]map[uint]bool),
		userRooms: make(map[uint]map[uint]bool),
		typing:    make(map[uint]map[uint]bool),
		directory: directory,
		messages:  messages,
		presence:  presence,
		events:    events,
		cfg:       cfg,
	}
}

// Connect registers a channel for the user. Any prior session for the
// same user is torn down first (last-writer-wins).
func (m *ConnectionManager) Connect(ctx context.Context, userID uint, ch Channel, deviceTag string) {
	m.Disconnect(ctx, userID)

	m.mu.Lock()
	m.sessions[userID] = &session{
		channel:       ch,
		deviceTag:     deviceTag,
		lastHeartbeat: time.Now(),
	}
	m.mu.Unlock()

	m.persistPresence(ctx, userID, true, deviceTag)
	m.broadcastUserStatus(ctx, userID, true)

	slog.Info("user connected", "userID", userID, "device", deviceTag)
}

// Disconnect tears down the user's session, membership, typing flags and
// heartbeat tracking. Safe to call when no session exists.
func (m *ConnectionManager) Disconnect(ctx context.Context, userID uint) {
	m.disconnect(ctx, userID, nil)
}

// disconnect is the shared teardown path. When only is non-nil the
// session is removed only if it still owns that exact channel, so a stale
// handle held by an in-flight broadcast cannot kill a newer session.
func (m *ConnectionManager) disconnect(ctx context.Context, userID uint, only Channel) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || (only != nil && s.channel != only) {
		m.mu.Unlock()
		if only != nil {
			_ = only.Close(closeNormal, "")
		}
		return
	}

	delete(m.sessions, userID)

	for roomID := range m.userRooms[userID] {
		delete(m.roomUsers[roomID], userID)
		if len(m.roomUsers[roomID]) == 0 {
			delete(m.roomUsers, roomID)
		}
	}
	delete(m.userRooms, userID)

	for roomID, users := range m.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.typing, roomID)
		}
	}
	m.mu.Unlock()

	_ = s.channel.Close(closeNormal, "")

	m.persistPresence(ctx, userID, false, s.deviceTag)
	m.broadcastUserStatus(ctx, userID, false)

	slog.Info("user disconnected", "userID", userID)
}

// dropChannel disconnects the user only if their session still owns ch.
// Used by a channel's own read loop on exit.
func (m *ConnectionManager) dropChannel(ctx context.Context, userID uint, ch Channel) {
	m.disconnect(ctx, userID, ch)
}

// JoinRoom adds the user to a room's delivery list. Fails when the user
// has no active session or the directory denies access.
func (m *ConnectionManager) JoinRoom(ctx context.Context, userID, roomID uint) bool {
	m.mu.Lock()
	_, online := m.sessions[userID]
	m.mu.Unlock()
	if !online {
		return false
	}

	allowed, err := m.directory.UserMayJoin(ctx, userID, roomID)
	if err != nil {
		slog.Error("room authorization check failed", "userID", userID, "roomID", roomID, "error", err)
		return false
	}
	if !allowed {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The session may have gone away while we were authorizing; membership
	// must never outlive the session.
	if _, ok := m.sessions[userID]; !ok {
		return false
	}

	if m.roomUsers[roomID] == nil {
		m.roomUsers[roomID] = make(map[uint]bool)
	}
	m.roomUsers[roomID][userID] = true

	if m.userRooms[userID] == nil {
		m.userRooms[userID] = make(map[uint]bool)
	}
	m.userRooms[userID][roomID] = true

	slog.Info("user joined room", "userID", userID, "roomID", roomID)
	return true
}

// LeaveRoom removes membership and any typing flag for the pair. Idempotent.
func (m *ConnectionManager) LeaveRoom(userID, roomID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if users, ok := m.roomUsers[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.roomUsers, roomID)
		}
	}
	if rooms, ok := m.userRooms[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.userRooms, userID)
		}
	}
	if users, ok := m.typing[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.typing, roomID)
		}
	}
}

// SetTyping stores the flag last-write-wins and notifies the rest of the
// room. No debouncing here; clients are expected to rate-limit.
func (m *ConnectionManager) SetTyping(ctx context.Context, userID, roomID uint, isTyping bool) {
	m.mu.Lock()
	if m.typing[roomID] == nil {
		m.typing[roomID] = make(map[uint]bool)
	}
	m.typing[roomID][userID] = isTyping
	m.mu.Unlock()

	m.BroadcastToRoom(ctx, roomID, NewTypingEvent(roomID, userID, isTyping), userID)
}

// Heartbeat refreshes the liveness timestamp for the user's session.
func (m *ConnectionManager) Heartbeat(userID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		s.lastHeartbeat = time.Now()
	}
}

// SetLastHeartbeat overrides the liveness timestamp (for testing purposes).
func (m *ConnectionManager) SetLastHeartbeat(userID uint, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		s.lastHeartbeat = t
	}
}

func (m *ConnectionManager) IsUserOnline(userID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[userID]
	return ok
}

func (m *ConnectionManager) OnlineUsers() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]uint, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	return users
}

func (m *ConnectionManager) UsersInRoom(roomID uint) []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]uint, 0, len(m.roomUsers[roomID]))
	for userID := range m.roomUsers[roomID] {
		users = append(users, userID)
	}
	return users
}

func (m *ConnectionManager) RoomsForUser(userID uint) []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]uint, 0, len(m.userRooms[userID]))
	for roomID := range m.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

type deliveryTarget struct {
	userID  uint
	channel Channel
}

// BroadcastToRoom serializes the event once and delivers it to every
// member's channel except excludeUserID (0 = nobody excluded). Failed
// channels are collected during the loop and evicted after it, so one
// broken peer cannot stall or corrupt delivery to the rest.
func (m *ConnectionManager) BroadcastToRoom(ctx context.Context, roomID uint, event *Event, excludeUserID uint) {
	payload := event.Encode()

	m.mu.Lock()
	targets := make([]deliveryTarget, 0, len(m.roomUsers[roomID]))
	for userID := range m.roomUsers[roomID] {
		if excludeUserID != 0 && userID == excludeUserID {
			continue
		}
		if s, ok := m.sessions[userID]; ok {
			targets = append(targets, deliveryTarget{userID: userID, channel: s.channel})
		}
	}
	m.mu.Unlock()

	var failed []deliveryTarget
	for _, t := range targets {
		if err := t.channel.Send(payload); err != nil {
			slog.Warn("failed to deliver event", "userID", t.userID, "roomID", roomID, "error", err)
			failed = append(failed, t)
			continue
		}
		m.Heartbeat(t.userID)
	}

	for _, t := range failed {
		m.disconnect(ctx, t.userID, t.channel)
	}
}

// SendToUser delivers an event directly to one user's channel. Reports
// whether the channel existed and accepted the message.
func (m *ConnectionManager) SendToUser(ctx context.Context, userID uint, event *Event) bool {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := s.channel.Send(event.Encode()); err != nil {
		slog.Warn("failed to deliver event", "userID", userID, "error", err)
		m.disconnect(ctx, userID, s.channel)
		return false
	}
	m.Heartbeat(userID)
	return true
}

// HandleInbound processes one raw frame from a client channel. Malformed
// envelopes and handler failures are echoed back as error events; the
// connection stays open either way.
func (m *ConnectionManager) HandleInbound(ctx context.Context, userID uint, ch Channel, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling event", "userID", userID, "panic", r)
			m.sendError(ch, CodeInternalError, "internal error")
		}
	}()

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		m.sendError(ch, CodeInvalidPayload, "malformed event envelope")
		return
	}
	if !event.Type.IsInbound() {
		m.sendError(ch, CodeUnknownEvent, fmt.Sprintf("unsupported event type %q", event.Type))
		return
	}

	m.Heartbeat(userID)

	switch event.Type {
	case EventJoinRoom:
		m.handleJoinRoom(ctx, userID, ch, event.Data)
	case EventMessage:
		m.handleMessage(ctx, userID, ch, event.Data)
	case EventTyping:
		m.handleTyping(ctx, userID, ch, event.Data)
	case EventReadReceipt:
		m.handleReadReceipt(ctx, userID, ch, event.Data)
	}
}

func (m *ConnectionManager) handleJoinRoom(ctx context.Context, userID uint, ch Channel, data json.RawMessage) {
	var p JoinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == 0 {
		m.sendError(ch, CodeInvalidPayload, "join_room requires room_id")
		return
	}
	if !m.JoinRoom(ctx, userID, p.RoomID) {
		m.sendError(ch, CodeRoomAccessDenied, fmt.Sprintf("cannot join room %d", p.RoomID))
	}
}

func (m *ConnectionManager) handleMessage(ctx context.Context, userID uint, ch Channel, data json.RawMessage) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == 0 || p.Content == "" {
		m.sendError(ch, CodeInvalidPayload, "message requires room_id and content")
		return
	}
	if p.Kind == "" {
		p.Kind = "text"
	}

	out := MessageEventPayload{
		RoomID:    p.RoomID,
		SenderID:  userID,
		Content:   p.Content,
		Kind:      p.Kind,
		Timestamp: time.Now().UTC(),
	}

	// Delivery is not conditional on persistence; a store outage degrades
	// to best-effort fan-out.
	msg, err := m.messages.Append(ctx, p.RoomID, userID, p.Content, p.Kind)
	if err != nil {
		slog.Error("failed to persist message", "userID", userID, "roomID", p.RoomID, "error", err)
	} else {
		out.ID = msg.ID
		out.Timestamp = msg.CreatedAt
		m.publishMessage(ctx, msg)
	}

	m.BroadcastToRoom(ctx, p.RoomID, NewMessageEvent(out), 0)
}

func (m *ConnectionManager) handleTyping(ctx context.Context, userID uint, ch Channel, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == 0 {
		m.sendError(ch, CodeInvalidPayload, "typing requires room_id")
		return
	}
	m.SetTyping(ctx, userID, p.RoomID, p.IsTyping)
}

func (m *ConnectionManager) handleReadReceipt(ctx context.Context, userID uint, ch Channel, data json.RawMessage) {
	var p ReadReceiptPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == 0 || p.MessageID == 0 {
		m.sendError(ch, CodeInvalidPayload, "read_receipt requires room_id and message_id")
		return
	}
	if err := m.messages.MarkRead(ctx, p.RoomID, userID, p.MessageID); err != nil {
		slog.Error("failed to persist read mark", "userID", userID, "roomID", p.RoomID, "error", err)
	}
	m.BroadcastToRoom(ctx, p.RoomID, NewReadReceiptEvent(p.RoomID, userID, p.MessageID), userID)
}

func (m *ConnectionManager) sendError(ch Channel, code, message string) {
	if err := ch.Send(NewErrorEvent(code, message).Encode()); err != nil {
		slog.Debug("failed to send error event", "code", code, "error", err)
	}
}

func (m *ConnectionManager) publishMessage(ctx context.Context, msg *models.ChatMessage) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishMessage(ctx, msg); err != nil {
		slog.Warn("failed to publish message event", "messageID", msg.ID, "error", err)
	}
}

func (m *ConnectionManager) persistPresence(ctx context.Context, userID uint, online bool, deviceTag string) {
	if err := m.presence.UpsertPresence(ctx, userID, online, deviceTag, time.Now().UTC()); err != nil {
		slog.Error("failed to persist presence", "userID", userID, "online", online, "error", err)
	}
}

func (m *ConnectionManager) broadcastUserStatus(ctx context.Context, userID uint, online bool) {
	rooms, err := m.directory.RoomsContaining(ctx, userID)
	if err != nil {
		slog.Error("failed to resolve rooms for presence broadcast", "userID", userID, "error", err)
		return
	}

	event := NewUserStatusEvent(userID, online, time.Now().UTC())
	for _, roomID := range rooms {
		m.BroadcastToRoom(ctx, roomID, event, userID)
	}
}

// StartBackgroundTasks starts the heartbeat and typing sweeps. Calling it
// again while the loops are running is a no-op.
func (m *ConnectionManager) StartBackgroundTasks() {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	if m.heartbeatCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.heartbeatCancel = cancel
		go m.heartbeatLoop(ctx)
	}
	if m.typingCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.typingCancel = cancel
		go m.typingLoop(ctx)
	}
}

// StopBackgroundTasks cancels both sweep loops. Idempotent.
func (m *ConnectionManager) StopBackgroundTasks() {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatCancel = nil
	}
	if m.typingCancel != nil {
		m.typingCancel()
		m.typingCancel = nil
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepHeartbeats(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) typingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TypingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepTyping(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepHeartbeats evicts sessions whose last heartbeat predates the
// timeout. Logged as stale-connection evictions, not errors.
func (m *ConnectionManager) sweepHeartbeats(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)

	m.mu.Lock()
	var stale []uint
	for userID, s := range m.sessions {
		if s.lastHeartbeat.Before(cutoff) {
			stale = append(stale, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range stale {
		slog.Info("evicting stale connection", "userID", userID)
		m.Disconnect(ctx, userID)
	}
}

// sweepTyping clears typing flags whose owner has gone quiet. A flag that
// was still true gets the same "stopped typing" broadcast a live
// SetTyping(false) would have produced; flags with no session left are
// dropped silently. Empty room entries are pruned.
func (m *ConnectionManager) sweepTyping(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.TypingIdleCutoff)

	type staleFlag struct {
		roomID uint
		userID uint
	}
	var notify []staleFlag

	m.mu.Lock()
	for roomID, users := range m.typing {
		for userID, isTyping := range users {
			s, ok := m.sessions[userID]
			if !ok {
				delete(users, userID)
				continue
			}
			if s.lastHeartbeat.Before(cutoff) {
				delete(users, userID)
				if isTyping {
					notify = append(notify, staleFlag{roomID: roomID, userID: userID})
				}
			}
		}
		if len(users) == 0 {
			delete(m.typing, roomID)
		}
	}
	m.mu.Unlock()

	for _, f := range notify {
		m.BroadcastToRoom(ctx, f.roomID, NewTypingEvent(f.roomID, f.userID, false), f.userID)
	}
}

// CloseAll closes every registered channel and clears all indices.
// Called once at process shutdown; close failures are ignored.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	channels := make([]Channel, 0, len(m.sessions))
	for _, s := range m.sessions {
		channels = append(channels, s.channel)
	}
	m.sessions = make(map[uint]*session)
	m.roomUsers = make(map[uint]map[uint]bool)
	m.userRooms = make(map[uint]map[uint]bool)
	m.typing = make(map[uint]map[uint]bool)
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close(closeNormal, "server shutting down")
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shopchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records every decoded event it receives. Setting fail makes
// Send report a dead channel, the way a full client buffer would.
type fakeChannel struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (f *fakeChannel) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return ErrClientDisconnected
	}
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeChannel) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) eventsOfType(t EventType) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) allEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

type fakeDirectory struct {
	mu       sync.Mutex
	rooms    map[uint][]uint // userID -> room ids
	denyAll  bool
	checkErr error
}

func (f *fakeDirectory) RoomsContaining(ctx context.Context, userID uint) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.rooms[userID]...), nil
}

func (f *fakeDirectory) UserMayJoin(ctx context.Context, userID, roomID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if f.denyAll {
		return false, nil
	}
	for _, id := range f.rooms[userID] {
		if id == roomID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDirectory) grant(userID, roomID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[userID] = append(f.rooms[userID], roomID)
}

type appendedMessage struct {
	roomID, senderID uint
	content, kind    string
}

type fakeMessageStore struct {
	mu        sync.Mutex
	nextID    uint
	appended  []appendedMessage
	reads     []ReadReceiptPayload
	appendErr error
}

func (f *fakeMessageStore) Append(ctx context.Context, roomID, senderID uint, content, kind string) (*models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.nextID++
	f.appended = append(f.appended, appendedMessage{roomID: roomID, senderID: senderID, content: content, kind: kind})
	return &models.ChatMessage{
		ID:        f.nextID,
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeMessageStore) MarkRead(ctx context.Context, roomID, userID, messageID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, ReadReceiptPayload{RoomID: roomID, MessageID: messageID})
	return nil
}

func (f *fakeMessageStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

type presenceChange struct {
	userID uint
	online bool
}

type fakePresenceStore struct {
	mu      sync.Mutex
	changes []presenceChange
}

func (f *fakePresenceStore) UpsertPresence(ctx context.Context, userID uint, online bool, deviceTag string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, presenceChange{userID: userID, online: online})
	return nil
}

func (f *fakePresenceStore) changesFor(userID uint) []presenceChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []presenceChange
	for _, c := range f.changes {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

type fakeSink struct {
	mu        sync.Mutex
	published []*models.ChatMessage
}

func (f *fakeSink) PublishMessage(ctx context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeSink) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type testFixture struct {
	manager   *ConnectionManager
	directory *fakeDirectory
	messages  *fakeMessageStore
	presence  *fakePresenceStore
	sink      *fakeSink
}

func newTestManager(t *testing.T) *testFixture {
	t.Helper()

	directory := &fakeDirectory{rooms: make(map[uint][]uint)}
	messages := &fakeMessageStore{}
	presence := &fakePresenceStore{}
	sink := &fakeSink{}

	manager := NewConnectionManager(directory, messages, presence, sink, ManagerConfig{
		HeartbeatSweepInterval: time.Hour,
		HeartbeatTimeout:       5 * time.Minute,
		TypingSweepInterval:    time.Hour,
		TypingIdleCutoff:       30 * time.Second,
	})

	return &testFixture{
		manager:   manager,
		directory: directory,
		messages:  messages,
		presence:  presence,
		sink:      sink,
	}
}

// connectMember registers a channel for the user and joins them to the room.
func (f *testFixture) connectMember(t *testing.T, userID, roomID uint) *fakeChannel {
	t.Helper()

	f.directory.grant(userID, roomID)
	ch := &fakeChannel{}
	f.manager.Connect(context.Background(), userID, ch, "test")
	require.True(t, f.manager.JoinRoom(context.Background(), userID, roomID))
	return ch
}

func TestConnectReplacesExistingSession(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	first := &fakeChannel{}
	second := &fakeChannel{}

	f.manager.Connect(ctx, 1, first, "mobile")
	f.manager.Connect(ctx, 1, second, "desktop")

	assert.True(t, first.isClosed(), "replaced channel should be closed")
	assert.False(t, second.isClosed())
	assert.True(t, f.manager.IsUserOnline(1))
	assert.Len(t, f.manager.OnlineUsers(), 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	f.manager.Connect(ctx, 1, ch, "mobile")
	f.manager.Disconnect(ctx, 1)
	f.manager.Disconnect(ctx, 1)

	assert.False(t, f.manager.IsUserOnline(1))

	// One online transition on connect, one offline on the first
	// disconnect, nothing for the second.
	changes := f.presence.changesFor(1)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].online)
	assert.False(t, changes[1].online)
}

func TestDisconnectClearsMembershipAndTyping(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.connectMember(t, 1, 10)
	f.connectMember(t, 2, 10)
	f.manager.SetTyping(ctx, 1, 10, true)

	f.manager.Disconnect(ctx, 1)

	assert.Equal(t, []uint{2}, f.manager.UsersInRoom(10))
	assert.Empty(t, f.manager.RoomsForUser(1))
}

func TestStaleChannelCannotTearDownNewerSession(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	old := &fakeChannel{}
	current := &fakeChannel{}

	f.manager.Connect(ctx, 1, old, "mobile")
	f.manager.Connect(ctx, 1, current, "mobile")

	// The old connection's read loop exits late and reports its channel.
	f.manager.dropChannel(ctx, 1, old)

	assert.True(t, f.manager.IsUserOnline(1))
	assert.False(t, current.isClosed())
}

func TestJoinRoomRequiresSession(t *testing.T) {
	f := newTestManager(t)
	f.directory.grant(1, 10)

	assert.False(t, f.manager.JoinRoom(context.Background(), 1, 10))
}

func TestJoinRoomDeniedByDirectory(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.manager.Connect(ctx, 1, &fakeChannel{}, "mobile")

	assert.False(t, f.manager.JoinRoom(ctx, 1, 10))
	assert.Empty(t, f.manager.UsersInRoom(10))
}

func TestJoinRoomDirectoryErrorFailsClosed(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.directory.checkErr = errors.New("db down")
	f.manager.Connect(ctx, 1, &fakeChannel{}, "mobile")

	assert.False(t, f.manager.JoinRoom(ctx, 1, 10))
}

func TestBroadcastExcludesSenderAndNonMembers(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)
	chC := &fakeChannel{}
	f.manager.Connect(ctx, 3, chC, "mobile") // online but never joined

	f.manager.BroadcastToRoom(ctx, 10, NewTypingEvent(10, 1, true), 1)

	assert.Empty(t, chA.eventsOfType(EventTyping))
	assert.Len(t, chB.eventsOfType(EventTyping), 1)
	assert.Empty(t, chC.allEvents())
}

func TestBroadcastEvictsFailedChannelOnly(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)
	chC := f.connectMember(t, 3, 10)
	chB.fail = true

	f.manager.BroadcastToRoom(ctx, 10, NewTypingEvent(10, 99, true), 0)

	assert.Len(t, chA.eventsOfType(EventTyping), 1)
	assert.Len(t, chC.eventsOfType(EventTyping), 1)

	assert.True(t, f.manager.IsUserOnline(1))
	assert.False(t, f.manager.IsUserOnline(2), "failed channel's session should be evicted")
	assert.True(t, f.manager.IsUserOnline(3))
	assert.NotContains(t, f.manager.UsersInRoom(10), uint(2))
}

func TestBroadcastPreservesOrder(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := f.connectMember(t, 2, 10)

	f.manager.BroadcastToRoom(ctx, 10, NewMessageEvent(MessageEventPayload{RoomID: 10, SenderID: 1, Content: "first"}), 0)
	f.manager.BroadcastToRoom(ctx, 10, NewMessageEvent(MessageEventPayload{RoomID: 10, SenderID: 1, Content: "second"}), 0)

	events := ch.eventsOfType(EventMessage)
	require.Len(t, events, 2)

	var p1, p2 MessageEventPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p1))
	require.NoError(t, json.Unmarshal(events[1].Data, &p2))
	assert.Equal(t, "first", p1.Content)
	assert.Equal(t, "second", p2.Content)
}

func TestUserStatusBroadcastOnConnectAndDisconnect(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chB := f.connectMember(t, 2, 10)
	f.directory.grant(1, 10)

	f.manager.Connect(ctx, 1, &fakeChannel{}, "mobile")
	f.manager.Disconnect(ctx, 1)

	events := chB.eventsOfType(EventUserStatus)
	require.Len(t, events, 2)

	var online, offline UserStatusPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &online))
	require.NoError(t, json.Unmarshal(events[1].Data, &offline))
	assert.Equal(t, uint(1), online.UserID)
	assert.True(t, online.IsOnline)
	assert.False(t, offline.IsOnline)
}

func TestHandleInboundMalformedEnvelope(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	f.manager.Connect(ctx, 1, ch, "mobile")
	f.manager.HandleInbound(ctx, 1, ch, []byte("{not json"))

	events := ch.eventsOfType(EventError)
	require.Len(t, events, 1)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, CodeInvalidPayload, p.Code)
	assert.True(t, f.manager.IsUserOnline(1), "connection survives a bad frame")
}

func TestHandleInboundUnknownEventType(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	f.manager.Connect(ctx, 1, ch, "mobile")
	f.manager.HandleInbound(ctx, 1, ch, []byte(`{"type":"user_status","data":{}}`))

	events := ch.eventsOfType(EventError)
	require.Len(t, events, 1)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, CodeUnknownEvent, p.Code)
}

func TestHandleInboundJoinDenied(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	f.manager.Connect(ctx, 1, ch, "mobile")
	f.manager.HandleInbound(ctx, 1, ch, []byte(`{"type":"join_room","data":{"room_id":10}}`))

	events := ch.eventsOfType(EventError)
	require.Len(t, events, 1)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, CodeRoomAccessDenied, p.Code)
}

func TestHandleInboundMessagePersistsAndFansOut(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)

	f.manager.HandleInbound(ctx, 1, chA, []byte(`{"type":"message","data":{"room_id":10,"content":"hi"}}`))

	assert.Equal(t, 1, f.messages.appendCount())
	assert.Equal(t, 1, f.sink.publishedCount())

	// The sender gets the echo too.
	require.Len(t, chA.eventsOfType(EventMessage), 1)
	events := chB.eventsOfType(EventMessage)
	require.Len(t, events, 1)

	var p MessageEventPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, uint(10), p.RoomID)
	assert.Equal(t, uint(1), p.SenderID)
	assert.Equal(t, "hi", p.Content)
	assert.Equal(t, "text", p.Kind)
	assert.NotZero(t, p.ID)
}

func TestHandleInboundMessageDeliversOnStoreFailure(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)
	f.messages.appendErr = errors.New("store down")

	f.manager.HandleInbound(ctx, 1, chA, []byte(`{"type":"message","data":{"room_id":10,"content":"hi"}}`))

	require.Len(t, chB.eventsOfType(EventMessage), 1)
	assert.Equal(t, 0, f.sink.publishedCount())
}

func TestHandleInboundReadReceipt(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)

	f.manager.HandleInbound(ctx, 2, chB, []byte(`{"type":"read_receipt","data":{"room_id":10,"message_id":7}}`))

	require.Len(t, f.messages.reads, 1)
	assert.Equal(t, uint(7), f.messages.reads[0].MessageID)

	events := chA.eventsOfType(EventReadReceipt)
	require.Len(t, events, 1)
	assert.Empty(t, chB.eventsOfType(EventReadReceipt), "reader is not notified of their own receipt")
}

func TestTypingSweepBroadcastsStopExactlyOnce(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)

	f.manager.SetTyping(ctx, 1, 10, true)
	require.Len(t, chB.eventsOfType(EventTyping), 1)

	f.manager.SetLastHeartbeat(1, time.Now().Add(-time.Minute))
	f.manager.sweepTyping(ctx)
	f.manager.sweepTyping(ctx)

	events := chB.eventsOfType(EventTyping)
	require.Len(t, events, 2, "exactly one stopped-typing broadcast")

	var p TypingEventPayload
	require.NoError(t, json.Unmarshal(events[1].Data, &p))
	assert.Equal(t, uint(1), p.UserID)
	assert.False(t, p.IsTyping)

	assert.Empty(t, chA.eventsOfType(EventTyping))
}

func TestTypingSweepDropsSessionlessFlagSilently(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	chB := f.connectMember(t, 2, 10)

	// A flag left behind without a session, as if cleanup raced.
	f.manager.mu.Lock()
	f.manager.typing[10] = map[uint]bool{1: true}
	f.manager.mu.Unlock()

	f.manager.sweepTyping(ctx)

	assert.Empty(t, chB.eventsOfType(EventTyping))
	f.manager.mu.Lock()
	_, exists := f.manager.typing[10]
	f.manager.mu.Unlock()
	assert.False(t, exists, "empty room entry should be pruned")
}

func TestTypingSweepSkipsFreshFlags(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)

	f.manager.SetTyping(ctx, 1, 10, true)
	f.manager.sweepTyping(ctx)

	assert.Len(t, chB.eventsOfType(EventTyping), 1, "fresh flag survives the sweep")
}

func TestHeartbeatSweepEvictsStaleSessions(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.manager.Connect(ctx, 1, &fakeChannel{}, "mobile")
	f.manager.Connect(ctx, 2, &fakeChannel{}, "mobile")
	f.manager.SetLastHeartbeat(1, time.Now().Add(-10*time.Minute))

	f.manager.sweepHeartbeats(ctx)

	assert.False(t, f.manager.IsUserOnline(1))
	assert.True(t, f.manager.IsUserOnline(2))

	changes := f.presence.changesFor(1)
	require.Len(t, changes, 2)
	assert.False(t, changes[1].online)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.manager.Connect(ctx, 1, &fakeChannel{}, "mobile")
	f.manager.SetLastHeartbeat(1, time.Now().Add(-10*time.Minute))
	f.manager.Heartbeat(1)

	f.manager.sweepHeartbeats(ctx)

	assert.True(t, f.manager.IsUserOnline(1))
}

func TestStartStopBackgroundTasksIdempotent(t *testing.T) {
	f := newTestManager(t)

	f.manager.StartBackgroundTasks()
	f.manager.StartBackgroundTasks()
	f.manager.StopBackgroundTasks()
	f.manager.StopBackgroundTasks()
}

func TestCloseAll(t *testing.T) {
	f := newTestManager(t)

	chA := f.connectMember(t, 1, 10)
	chB := f.connectMember(t, 2, 10)

	f.manager.CloseAll()

	assert.True(t, chA.isClosed())
	assert.True(t, chB.isClosed())
	assert.Empty(t, f.manager.OnlineUsers())
	assert.Empty(t, f.manager.UsersInRoom(10))
}

func TestSendToUser(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	f.manager.Connect(ctx, 1, ch, "mobile")

	assert.True(t, f.manager.SendToUser(ctx, 1, NewErrorEvent(CodeInternalError, "x")))
	assert.False(t, f.manager.SendToUser(ctx, 2, NewErrorEvent(CodeInternalError, "x")))
	assert.Len(t, ch.eventsOfType(EventError), 1)
}

func TestLeaveRoom(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.connectMember(t, 1, 10)
	f.manager.SetTyping(ctx, 1, 10, true)

	f.manager.LeaveRoom(1, 10)
	f.manager.LeaveRoom(1, 10)

	assert.Empty(t, f.manager.UsersInRoom(10))
	assert.Empty(t, f.manager.RoomsForUser(1))
	assert.True(t, f.manager.IsUserOnline(1), "leaving a room keeps the session")
}

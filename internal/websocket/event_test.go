package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeIsInbound(t *testing.T) {
	assert.True(t, EventJoinRoom.IsInbound())
	assert.True(t, EventMessage.IsInbound())
	assert.True(t, EventTyping.IsInbound())
	assert.True(t, EventReadReceipt.IsInbound())

	assert.False(t, EventUserStatus.IsInbound())
	assert.False(t, EventError.IsInbound())
	assert.False(t, EventConnected.IsInbound())
	assert.False(t, EventType("bogus").IsInbound())
}

func TestEventEncodeRoundTrip(t *testing.T) {
	event := NewErrorEvent(CodeInvalidPayload, "bad frame")

	var decoded Event
	require.NoError(t, json.Unmarshal(event.Encode(), &decoded))
	assert.Equal(t, EventError, decoded.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(decoded.Data, &p))
	assert.Equal(t, CodeInvalidPayload, p.Code)
	assert.Equal(t, "bad frame", p.Message)
}

func TestTypingEventCarriesFlag(t *testing.T) {
	event := NewTypingEvent(10, 1, false)

	var p TypingEventPayload
	require.NoError(t, json.Unmarshal(event.Data, &p))
	assert.Equal(t, uint(10), p.RoomID)
	assert.Equal(t, uint(1), p.UserID)
	assert.False(t, p.IsTyping)
	assert.False(t, p.Timestamp.IsZero())
}

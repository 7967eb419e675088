package websocket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Outbound buffer per channel; a full buffer marks the channel dead
	sendBufferSize = 256
)

// Close codes.
const (
	closeNormal      = websocket.CloseNormalClosure
	CloseAuthFailure = 4401
)

// Client is the websocket-backed Channel implementation: one connection,
// one buffered outbound queue drained by writePump, one inbound loop.
type Client struct {
	id        string
	userID    uint
	deviceTag string
	manager   *ConnectionManager
	conn      *websocket.Conn

	send   chan []byte
	closed int32

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(manager *ConnectionManager, conn *websocket.Conn, userID uint, deviceTag string) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		id:        uuid.New().String(),
		userID:    userID,
		deviceTag: deviceTag,
		manager:   manager,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() uint {
	return c.userID
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		slog.Debug("client marked as closed", "connID", c.id, "userID", c.userID)
	}
}

// Send enqueues an already-serialized event. Never blocks: a closed
// client or a full buffer reports the channel dead instead.
func (c *Client) Send(payload []byte) error {
	if c.isClosed() {
		return ErrClientDisconnected
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrClientDisconnected
	default:
		slog.Warn("send buffer full, dropping client", "connID", c.id, "userID", c.userID)
		c.close()
		return ErrClientDisconnected
	}
}

// Close sends a close frame with the given code and shuts the connection.
func (c *Client) Close(code int, reason string) error {
	c.close()

	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		if err := c.conn.Close(); err != nil {
			slog.Debug("error closing connection", "connID", c.id, "userID", c.userID, "error", err)
		}
		// Tear down our session only if it still owns this channel; a
		// newer connection may already have replaced it.
		c.manager.dropChannel(context.Background(), c.userID, c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.manager.Heartbeat(c.userID)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read error", "connID", c.id, "userID", c.userID, "error", err)
			} else {
				slog.Debug("websocket connection closed", "connID", c.id, "userID", c.userID, "error", err)
			}
			return
		}

		c.manager.HandleInbound(c.ctx, c.userID, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		slog.Debug("writePump finished", "connID", c.id, "userID", c.userID)
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if c.isClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("error writing message", "connID", c.id, "userID", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			if c.isClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("error sending ping", "connID", c.id, "userID", c.userID, "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ServeClient registers an upgraded connection with the manager and
// starts its pumps. The connected ack is queued first so it is the first
// frame the client sees.
func ServeClient(manager *ConnectionManager, conn *websocket.Conn, userID uint, deviceTag string) *Client {
	client := NewClient(manager, conn, userID, deviceTag)

	_ = client.Send(NewConnectedEvent(client.id, userID).Encode())
	manager.Connect(context.Background(), userID, client, deviceTag)

	go client.writePump()
	go client.readPump()

	slog.Info("websocket connection established", "connID", client.id, "userID", userID, "device", deviceTag)
	return client
}
